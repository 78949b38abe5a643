package model

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawEntry is one vulnerability as it appears under group/repo/image in the
// source document, or as a row of a chunk file. Every field tolerates the
// loose typing of the upstream feed; nothing here rejects input.
type RawEntry struct {
	ID             Text            `json:"id"`
	CVE            Text            `json:"cve"`
	Severity       Text            `json:"severity"`
	CVSS           Text            `json:"cvss"`
	CVSSScore      Text            `json:"cvssScore"`
	CVSSBaseScore  Text            `json:"cvssBaseScore"`
	KaiStatus      Text            `json:"kaiStatus"`
	Status         Text            `json:"status"`
	Summary        Text            `json:"summary"`
	Description    Text            `json:"description"`
	RiskFactors    RiskFactorField `json:"riskFactors"`
	PackageName    Text            `json:"packageName"`
	Package        Text            `json:"package"`
	Version        Text            `json:"version"`
	PackageVersion Text            `json:"packageVersion"`
	PublishedAt    Text            `json:"publishedAt"`
	Published      Text            `json:"published"`
	FixDate        Text            `json:"fixDate"`

	// Present on chunk rows, which are detached from the hierarchy.
	GroupName Text `json:"groupName"`
	RepoName  Text `json:"repoName"`
	ImageName Text `json:"imageName"`
}

// Text is a nullable scalar rendered as a string. Numbers keep their literal
// form, booleans become "true"/"false", objects and arrays count as absent.
type Text struct {
	Value string
	Valid bool
}

// NewText returns a present Text.
func NewText(s string) Text {
	return Text{Value: s, Valid: true}
}

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*t = Text{}
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		*t = Text{Value: s, Valid: true}
	case 'n', '{', '[':
	default:
		*t = Text{Value: string(b), Valid: true}
	}
	return nil
}

func (t Text) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(t.Value)
}

// Or returns t when present, otherwise other.
func (t Text) Or(other Text) Text {
	if t.Valid {
		return t
	}
	return other
}

// Truthy reports whether the value is present and not an empty string.
func (t Text) Truthy() bool {
	return t.Valid && t.Value != ""
}

// RiskFactorKind tags which representation the source used.
type RiskFactorKind int

const (
	RiskFactorsAbsent RiskFactorKind = iota
	RiskFactorsList
	RiskFactorsKeys
)

// RiskFactorField holds risk factors either as a list of names or as the
// truthy keys of an object, in source order.
type RiskFactorField struct {
	Kind  RiskFactorKind
	Names []string
}

func (r *RiskFactorField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*r = RiskFactorField{}
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '[':
		var items []any
		if err := json.Unmarshal(b, &items); err != nil {
			return nil
		}
		names := make([]string, 0, len(items))
		for _, item := range items {
			if !truthy(item) {
				continue
			}
			names = append(names, scalarString(item))
		}
		*r = RiskFactorField{Kind: RiskFactorsList, Names: names}
	case '{':
		names, err := truthyKeys(b)
		if err != nil {
			return nil
		}
		*r = RiskFactorField{Kind: RiskFactorsKeys, Names: names}
	}
	return nil
}

func (r RiskFactorField) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RiskFactorsList:
		return json.Marshal(r.Names)
	case RiskFactorsKeys:
		obj := make(map[string]bool, len(r.Names))
		for _, name := range r.Names {
			obj[name] = true
		}
		return json.Marshal(obj)
	default:
		return []byte("null"), nil
	}
}

// truthyKeys walks the object with an iterator so key order survives.
func truthyKeys(b []byte) ([]string, error) {
	it := jsoniter.ParseBytes(json, b)
	var names []string
	it.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		if value := it.Read(); key != "" && truthy(value) {
			names = append(names, key)
		}
		return it.Error == nil
	})
	if it.Error != nil && it.Error != io.EOF {
		return nil, it.Error
	}
	return names, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && x == x
	case string:
		return x != ""
	default:
		return true
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
}
