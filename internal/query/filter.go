package query

import (
	"cmp"
	"strings"
	"time"

	"github.com/yourorg/vulnboard/internal/model"
)

// matcher evaluates a FilterSpec against records in memory.
type matcher struct {
	f           model.FilterSpec
	severities  map[model.Severity]struct{}
	kaiStatuses map[string]struct{}
	kaiExclude  map[string]struct{}
	riskFactors map[string]struct{}
	search      string
}

func set[T comparable](values []T) map[T]struct{} {
	if len(values) == 0 {
		return nil
	}
	m := make(map[T]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

func newMatcher(f model.FilterSpec) *matcher {
	return &matcher{
		f:           f,
		severities:  set(f.Severities),
		kaiStatuses: set(f.KaiStatuses),
		kaiExclude:  set(f.KaiExclude),
		riskFactors: set(f.RiskFactors),
		search:      strings.ToLower(strings.TrimSpace(f.Search)),
	}
}

func (m *matcher) match(v *model.Vulnerability) bool {
	if m.severities != nil {
		if _, ok := m.severities[v.Severity]; !ok {
			return false
		}
	}
	if m.f.Repo != "" && v.RepoName != m.f.Repo {
		return false
	}
	if m.f.Group != "" && v.GroupName != m.f.Group {
		return false
	}
	if m.kaiStatuses != nil {
		if v.KaiStatus == nil {
			return false
		}
		if _, ok := m.kaiStatuses[*v.KaiStatus]; !ok {
			return false
		}
	}
	if m.kaiExclude != nil && v.KaiStatus != nil && strings.TrimSpace(*v.KaiStatus) != "" {
		if _, excluded := m.kaiExclude[*v.KaiStatus]; excluded {
			return false
		}
	}
	if m.riskFactors != nil && !m.anyRiskFactor(v.RiskFactors) {
		return false
	}
	if m.f.HasDateRange() && !inTimeRange(v.PublishedAt, m.f.DateFrom, m.f.DateTo) {
		return false
	}
	if m.f.HasCVSSRange() && !inScoreRange(v.CVSS, m.f.CVSSMin, m.f.CVSSMax) {
		return false
	}
	if m.search != "" && !m.searchHit(v) {
		return false
	}
	return true
}

func (m *matcher) anyRiskFactor(factors []string) bool {
	for _, rf := range factors {
		if _, ok := m.riskFactors[rf]; ok {
			return true
		}
	}
	return false
}

func (m *matcher) searchHit(v *model.Vulnerability) bool {
	for _, field := range []string{v.CVEValue(), v.PackageName, v.RepoName, v.ImageName, v.GroupName, v.Summary} {
		if containsFold(field, m.search) {
			return true
		}
	}
	return false
}

// containsFold reports whether lowerNeedle occurs in s ignoring case.
func containsFold(s, lowerNeedle string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), lowerNeedle)
}

func inTimeRange(t, from, to *time.Time) bool {
	if t == nil {
		return false
	}
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}

func inScoreRange(score, lo, hi *float64) bool {
	if score == nil {
		return false
	}
	if lo != nil && *score < *lo {
		return false
	}
	if hi != nil && *score > *hi {
		return false
	}
	return true
}

// compareScore orders missing scores below every present score.
func compareScore(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return cmp.Compare(*a, *b)
}

func compareTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

// comparator returns the record ordering for spec. Ascending severity puts
// the least severe bucket first. Every ordering ends on id so pages are
// stable.
func comparator(spec model.SortSpec) func(a, b model.Vulnerability) int {
	desc := spec.Direction == model.Desc
	if spec.Key == model.SortSeverity {
		return func(a, b model.Vulnerability) int {
			c := cmp.Compare(a.SeverityRank, b.SeverityRank)
			if !desc {
				c = -c
			}
			if c != 0 {
				return c
			}
			if c = compareScore(b.CVSS, a.CVSS); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		}
	}

	var key func(a, b model.Vulnerability) int
	switch spec.Key {
	case model.SortCVSS:
		key = func(a, b model.Vulnerability) int { return compareScore(a.CVSS, b.CVSS) }
	case model.SortPublished:
		key = func(a, b model.Vulnerability) int { return compareTime(a.PublishedAt, b.PublishedAt) }
	case model.SortRepoName:
		key = func(a, b model.Vulnerability) int { return strings.Compare(a.RepoName, b.RepoName) }
	case model.SortPackageName:
		key = func(a, b model.Vulnerability) int { return strings.Compare(a.PackageName, b.PackageName) }
	default:
		return comparator(model.SortSpec{Key: model.SortSeverity, Direction: spec.Direction})
	}
	return func(a, b model.Vulnerability) int {
		c := key(a, b)
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		if c = cmp.Compare(a.SeverityRank, b.SeverityRank); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	}
}

// highlightOrder ranks records for the critical highlights: most severe
// first, then highest score with a missing score counted as zero.
func highlightOrder(a, b model.Vulnerability) int {
	if c := cmp.Compare(a.SeverityRank, b.SeverityRank); c != 0 {
		return c
	}
	if c := cmp.Compare(scoreOrZero(b.CVSS), scoreOrZero(a.CVSS)); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func scoreOrZero(s *float64) float64 {
	if s == nil {
		return 0
	}
	return *s
}
