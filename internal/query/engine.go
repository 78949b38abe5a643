// Package query answers filtered, sorted and paginated queries over the
// stored records, together with the facet bundle the dashboard renders.
//
// Two strategies implement Engine: MemoryEngine reduces a full listing of the
// store in process, SQLEngine pushes filtering and aggregation into
// PostgreSQL. Both must return identical results for the same records.
package query

import (
	"context"
	"math"
	"time"

	"github.com/yourorg/vulnboard/internal/model"
)

const (
	DefaultLimit   = 50
	MaxLimit       = 500
	SuggestLimit   = 12
	TopRiskFactors = 25
	TopRepos       = 15
	HighlightCount = 3

	// MaxPage keeps (page-1)*limit within an int for any accepted limit.
	MaxPage = math.MaxInt / MaxLimit
)

type Engine interface {
	Query(ctx context.Context, req Request) (*Result, error)
	Suggest(ctx context.Context, term string, limit int) ([]Suggestion, error)
	// Get looks a record up by id or CVE. A miss is (zero, false, nil).
	Get(ctx context.Context, ident string) (model.Vulnerability, bool, error)
}

type Request struct {
	Filter        model.FilterSpec
	Sort          model.SortSpec
	Page          int
	Limit         int
	IncludeFacets bool
}

// offset saturates instead of wrapping, so a page past the end is empty.
func (r Request) offset() int {
	if r.Page <= 1 || r.Limit <= 0 {
		return 0
	}
	if r.Page-1 > math.MaxInt/r.Limit {
		return math.MaxInt
	}
	return (r.Page - 1) * r.Limit
}

type Result struct {
	Data    []model.Vulnerability `json:"data"`
	Page    int                   `json:"page"`
	Limit   int                   `json:"limit"`
	Total   int                   `json:"total"`
	Metrics *Metrics              `json:"metrics,omitempty"`
	Options *Options              `json:"options,omitempty"`
}

type NameValue struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// TrendPoint counts records published in one month.
type TrendPoint struct {
	Month    string `json:"month"`
	Critical int    `json:"CRITICAL"`
	High     int    `json:"HIGH"`
	Medium   int    `json:"MEDIUM"`
	Low      int    `json:"LOW"`
	Unknown  int    `json:"UNKNOWN"`
	Total    int    `json:"total"`
}

func (p *TrendPoint) add(s model.Severity, n int) {
	switch s {
	case model.SeverityCritical:
		p.Critical += n
	case model.SeverityHigh:
		p.High += n
	case model.SeverityMedium:
		p.Medium += n
	case model.SeverityLow:
		p.Low += n
	default:
		p.Unknown += n
	}
	p.Total += n
}

type AIManual struct {
	Label  string `json:"label"`
	AI     int    `json:"ai"`
	Manual int    `json:"manual"`
}

type KPIs struct {
	Total     int     `json:"total"`
	Remain    int     `json:"remain"`
	Removed   int     `json:"removed"`
	PctRemain float64 `json:"pctRemain"`
}

func newKPIs(total, remain int) KPIs {
	k := KPIs{Total: total, Remain: remain}
	if total > remain {
		k.Removed = total - remain
	}
	if total > 0 {
		k.PctRemain = float64(remain) / float64(total)
	}
	return k
}

type Metrics struct {
	SeverityCounts []NameValue           `json:"severityCounts"`
	RiskFactors    []NameValue           `json:"riskFactors"`
	Trend          []TrendPoint          `json:"trend"`
	AIManual       []AIManual            `json:"aiManual"`
	Highlights     []model.Vulnerability `json:"highlights"`
	RepoSummary    []NameValue           `json:"repoSummary"`
	KPIs           KPIs                  `json:"kpis"`
}

type CVSSRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Options struct {
	KaiStatuses []string  `json:"kaiStatuses"`
	RiskFactors []string  `json:"riskFactors"`
	Repos       []string  `json:"repos"`
	Groups      []string  `json:"groups"`
	Packages    []string  `json:"packages"`
	CVSSRange   CVSSRange `json:"cvssRange"`
}

type SuggestionMeta struct {
	RepoName    *string `json:"repoName"`
	PackageName *string `json:"packageName"`
	ImageName   *string `json:"imageName"`
}

type Suggestion struct {
	Value string         `json:"value"`
	Label string         `json:"label"`
	Meta  SuggestionMeta `json:"meta"`
}

// monthKey buckets a publish date for the trend facet.
func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
