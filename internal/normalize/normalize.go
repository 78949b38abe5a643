// Package normalize turns raw feed entries into canonical vulnerability
// records. Everything here is pure: no I/O, no rejected input.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	gocvss40 "github.com/pandatix/go-cvss/40"

	"github.com/yourorg/vulnboard/internal/model"
)

// Context is the position of an entry in the group/repo/image hierarchy.
type Context struct {
	Group string
	Repo  string
	Image string
}

// kaiVariants maps normalised spellings onto the two canonical tags.
var kaiVariants = map[string]string{
	"ai-invalid-norisk":   model.KaiStatusAIInvalidNoRisk,
	"ai invalid norisk":   model.KaiStatusAIInvalidNoRisk,
	"ai-invalid - norisk": model.KaiStatusAIInvalidNoRisk,
	"invalid - norisk":    model.KaiStatusInvalidNoRisk,
	"invalid-norisk":      model.KaiStatusInvalidNoRisk,
	"invalid norisk":      model.KaiStatusInvalidNoRisk,
}

// Entry builds the canonical record for raw. ordinal must increase
// monotonically within one ingestion run; it is what keeps ids unique when
// upstream ids collide or are missing.
func Entry(raw model.RawEntry, c Context, ordinal int) model.Vulnerability {
	group := firstNonEmpty(c.Group, raw.GroupName.Value)
	repo := firstNonEmpty(c.Repo, raw.RepoName.Value)
	image := firstNonEmpty(c.Image, raw.ImageName.Value)

	severity := model.ParseSeverity(raw.Severity.Value)
	kaiStatus, fallback := KaiStatus(raw.KaiStatus)

	v := model.Vulnerability{
		ID:             ID(group, repo, image, raw, ordinal),
		SourceID:       optional(raw.ID),
		CVE:            optional(raw.CVE),
		SeverityRaw:    raw.Severity.Value,
		Severity:       severity,
		SeverityRank:   severity.Rank(),
		CVSS:           CVSS(raw),
		KaiStatus:      kaiStatus,
		Status:         optional(raw.Status),
		RiskFactors:    RiskFactors(raw.RiskFactors),
		GroupName:      group,
		RepoName:       repo,
		ImageName:      image,
		PackageName:    raw.PackageName.Or(raw.Package).Value,
		PackageVersion: raw.Version.Or(raw.PackageVersion).Value,
		Summary:        raw.Summary.Or(raw.Description).Value,
		PublishedAt:    firstTime(raw.PublishedAt, raw.Published),
		FixDate:        ParseTime(raw.FixDate.Value),
	}
	if v.Status == nil {
		v.Status = fallback
	}
	if v.SeverityRaw == "" {
		v.SeverityRaw = string(severity)
	}
	return v
}

// ID derives group|repo|image|baseKey|ordinal.
func ID(group, repo, image string, raw model.RawEntry, ordinal int) string {
	base := fmt.Sprintf("row-%d", ordinal)
	switch {
	case raw.ID.Truthy():
		base = raw.ID.Value
	case raw.CVE.Truthy():
		base = raw.CVE.Value
	}
	return strings.Join([]string{group, repo, image, base, strconv.Itoa(ordinal)}, "|")
}

// KaiStatus returns the canonical tag for a known spelling. Unknown values
// come back verbatim as the second result so they can be kept as a plain
// status.
func KaiStatus(raw model.Text) (canonical *string, passthrough *string) {
	if !raw.Truthy() {
		return nil, nil
	}
	key := strings.ReplaceAll(strings.ToLower(raw.Value), "_", "-")
	key = strings.Join(strings.Fields(key), " ")
	if tag, ok := kaiVariants[key]; ok {
		return &tag, nil
	}
	value := raw.Value
	return nil, &value
}

// RiskFactors flattens either representation into a trimmed, deduplicated
// list that keeps source order.
func RiskFactors(field model.RiskFactorField) []string {
	out := make([]string, 0, len(field.Names))
	seen := make(map[string]struct{}, len(field.Names))
	for _, name := range field.Names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// CVSS picks the first coercible score among cvss, cvssScore and
// cvssBaseScore. A score outside [0,10] means the provider sent garbage, so
// the record gets no score at all.
func CVSS(raw model.RawEntry) *float64 {
	for _, candidate := range []model.Text{raw.CVSS, raw.CVSSScore, raw.CVSSBaseScore} {
		score, ok := coerceScore(candidate)
		if !ok {
			continue
		}
		if score < 0 || score > 10 {
			return nil
		}
		return &score
	}
	return nil
}

func coerceScore(t model.Text) (float64, bool) {
	if !t.Valid {
		return 0, false
	}
	s := strings.TrimSpace(t.Value)
	if s == "" {
		return 0, false
	}
	if strings.HasPrefix(s, "CVSS:") {
		return vectorScore(s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// vectorScore computes the base score of a CVSS v3.x or v4.0 vector.
func vectorScore(vector string) (float64, bool) {
	switch {
	case strings.HasPrefix(vector, "CVSS:3.1/"):
		c, err := gocvss31.ParseVector(vector)
		if err != nil {
			return 0, false
		}
		return c.BaseScore(), true
	case strings.HasPrefix(vector, "CVSS:3.0/"):
		c, err := gocvss30.ParseVector(vector)
		if err != nil {
			return 0, false
		}
		return c.BaseScore(), true
	case strings.HasPrefix(vector, "CVSS:4.0/"):
		c, err := gocvss40.ParseVector(vector)
		if err != nil {
			return 0, false
		}
		return c.Score(), true
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
	"2006-01",
}

// ParseTime accepts the date shapes seen in the feed plus epoch
// milliseconds. Times without a zone are taken as UTC.
func ParseTime(raw string) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func firstTime(candidates ...model.Text) *time.Time {
	for _, c := range candidates {
		if !c.Valid {
			continue
		}
		if t := ParseTime(c.Value); t != nil {
			return t
		}
	}
	return nil
}

func optional(t model.Text) *string {
	if !t.Valid {
		return nil
	}
	v := t.Value
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
