package query

import (
	"cmp"
	"slices"
	"strings"

	"github.com/yourorg/vulnboard/internal/model"
)

var canonicalKaiStatuses = map[string]struct{}{
	model.KaiStatusAIInvalidNoRisk: {},
	model.KaiStatusInvalidNoRisk:   {},
}

// isAIStatus reports whether a review status came from automated analysis.
func isAIStatus(status *string) bool {
	return status != nil && strings.Contains(strings.ToLower(*status), "ai")
}

func severityHistogram(counts map[model.Severity]int) []NameValue {
	out := make([]NameValue, 0, len(model.SeverityOrder))
	for _, s := range model.SeverityOrder {
		out = append(out, NameValue{Name: string(s), Value: counts[s]})
	}
	return out
}

func aiManualBreakdown(ai, total map[model.Severity]int) []AIManual {
	out := make([]AIManual, 0, len(model.SeverityOrder))
	for _, s := range model.SeverityOrder {
		out = append(out, AIManual{Label: string(s), AI: ai[s], Manual: total[s] - ai[s]})
	}
	return out
}

// sortNameValues orders by count descending, then name.
func sortNameValues(values []NameValue) {
	slices.SortFunc(values, func(a, b NameValue) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
}

func topN(counts map[string]int, n int) []NameValue {
	out := make([]NameValue, 0, len(counts))
	for name, v := range counts {
		out = append(out, NameValue{Name: name, Value: v})
	}
	sortNameValues(out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// cleanList trims, drops empties and duplicates, and sorts bytewise.
func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func kaiStatusOptions(values []string) []string {
	out := make([]string, 0, len(canonicalKaiStatuses))
	for _, v := range cleanList(values) {
		if _, ok := canonicalKaiStatuses[strings.ToLower(v)]; ok {
			out = append(out, v)
		}
	}
	return out
}

func cvssRange(lo, hi *float64) CVSSRange {
	r := CVSSRange{Min: 0, Max: 10}
	if lo != nil {
		r.Min = *lo
	}
	if hi != nil {
		r.Max = *hi
	}
	return r
}

// computeMetrics reduces the filtered records into the facet bundle. total
// is the unfiltered store size.
func computeMetrics(filtered []model.Vulnerability, total int) *Metrics {
	var (
		severities = map[model.Severity]int{}
		ai         = map[model.Severity]int{}
		risks      = map[string]int{}
		repos      = map[string]int{}
		months     = map[string]*TrendPoint{}
	)
	for i := range filtered {
		v := &filtered[i]
		severities[v.Severity]++
		if isAIStatus(v.KaiStatus) {
			ai[v.Severity]++
		}
		for _, rf := range v.RiskFactors {
			risks[rf]++
		}
		repos[v.RepoName]++
		if v.PublishedAt != nil {
			key := monthKey(*v.PublishedAt)
			p, ok := months[key]
			if !ok {
				p = &TrendPoint{Month: key}
				months[key] = p
			}
			p.add(v.Severity, 1)
		}
	}

	trend := make([]TrendPoint, 0, len(months))
	for _, p := range months {
		trend = append(trend, *p)
	}
	slices.SortFunc(trend, func(a, b TrendPoint) int { return strings.Compare(a.Month, b.Month) })

	highlights := slices.Clone(filtered)
	slices.SortFunc(highlights, highlightOrder)
	if len(highlights) > HighlightCount {
		highlights = highlights[:HighlightCount]
	}
	if highlights == nil {
		highlights = []model.Vulnerability{}
	}

	return &Metrics{
		SeverityCounts: severityHistogram(severities),
		RiskFactors:    topN(risks, TopRiskFactors),
		Trend:          trend,
		AIManual:       aiManualBreakdown(ai, severities),
		Highlights:     highlights,
		RepoSummary:    topN(repos, TopRepos),
		KPIs:           newKPIs(total, len(filtered)),
	}
}

// computeOptions lists the distinct filter values of the whole store and the
// score bounds of the filtered records.
func computeOptions(all, filtered []model.Vulnerability) *Options {
	var kai, risks, repos, groups, packages []string
	for i := range all {
		v := &all[i]
		if v.KaiStatus != nil {
			kai = append(kai, *v.KaiStatus)
		}
		risks = append(risks, v.RiskFactors...)
		repos = append(repos, v.RepoName)
		groups = append(groups, v.GroupName)
		packages = append(packages, v.PackageName)
	}

	var lo, hi *float64
	for i := range filtered {
		s := filtered[i].CVSS
		if s == nil {
			continue
		}
		if lo == nil || *s < *lo {
			lo = s
		}
		if hi == nil || *s > *hi {
			hi = s
		}
	}

	return &Options{
		KaiStatuses: kaiStatusOptions(kai),
		RiskFactors: cleanList(risks),
		Repos:       cleanList(repos),
		Groups:      cleanList(groups),
		Packages:    cleanList(packages),
		CVSSRange:   cvssRange(lo, hi),
	}
}

// suggestionKey is the dedup key of a record in suggestions: its CVE, else
// its id.
func suggestionKey(cve *string, id string) string {
	if cve != nil && *cve != "" {
		return *cve
	}
	return id
}

func newSuggestion(key, pkg, repo, image string) Suggestion {
	parts := []string{key}
	if pkg != "" {
		parts = append(parts, pkg)
	}
	if repo != "" {
		parts = append(parts, repo)
	}
	return Suggestion{
		Value: key,
		Label: strings.Join(parts, " • "),
		Meta: SuggestionMeta{
			RepoName:    nonEmpty(repo),
			PackageName: nonEmpty(pkg),
			ImageName:   nonEmpty(image),
		},
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func normalizeSuggestLimit(limit int) int {
	if limit <= 0 {
		return SuggestLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
