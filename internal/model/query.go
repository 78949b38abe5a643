package model

import "time"

// FilterSpec describes which records a query keeps. Every populated dimension
// is ANDed; zero values impose no constraint.
type FilterSpec struct {
	Severities  []Severity
	Repo        string
	Group       string
	KaiStatuses []string
	KaiExclude  []string
	RiskFactors []string
	DateFrom    *time.Time
	DateTo      *time.Time
	CVSSMin     *float64
	CVSSMax     *float64
	Search      string
}

// HasDateRange reports whether a published-date bound is set.
func (f FilterSpec) HasDateRange() bool {
	return f.DateFrom != nil || f.DateTo != nil
}

// HasCVSSRange reports whether a CVSS bound is set.
func (f FilterSpec) HasCVSSRange() bool {
	return f.CVSSMin != nil || f.CVSSMax != nil
}

type SortKey string

const (
	SortSeverity    SortKey = "severity"
	SortCVSS        SortKey = "cvss"
	SortPublished   SortKey = "published"
	SortRepoName    SortKey = "repoName"
	SortPackageName SortKey = "packageName"
)

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type SortSpec struct {
	Key       SortKey
	Direction Direction
}

// ParseSortSpec falls back to severity/desc for anything it does not know.
func ParseSortSpec(key, direction string) SortSpec {
	spec := SortSpec{Key: SortSeverity, Direction: Desc}
	switch SortKey(key) {
	case SortSeverity, SortCVSS, SortPublished, SortRepoName, SortPackageName:
		spec.Key = SortKey(key)
	}
	if Direction(direction) == Asc {
		spec.Direction = Asc
	}
	return spec
}
