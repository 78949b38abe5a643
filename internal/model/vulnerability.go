package model

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
)

// SeverityOrder is the fixed bucket order used for ranks, histograms and
// breakdowns. Index 0 is the most severe.
var SeverityOrder = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityUnknown,
}

// Rank returns the position of s in SeverityOrder. Values outside the order
// rank as UNKNOWN.
func (s Severity) Rank() int {
	for i, candidate := range SeverityOrder {
		if candidate == s {
			return i
		}
	}
	return len(SeverityOrder) - 1
}

func (s Severity) String() string {
	return string(s)
}

// ParseSeverity buckets a free-form severity string by case-insensitive
// substring match. Anything unrecognised is UNKNOWN.
func ParseSeverity(raw string) Severity {
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "CRIT"):
		return SeverityCritical
	case strings.Contains(upper, "HIGH"):
		return SeverityHigh
	case strings.Contains(upper, "MED"):
		return SeverityMedium
	case strings.Contains(upper, "LOW"):
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// IsSeverity reports whether s is one of the five canonical buckets.
func IsSeverity(s string) bool {
	for _, candidate := range SeverityOrder {
		if string(candidate) == s {
			return true
		}
	}
	return false
}

// Canonical review-status tags that the exclusion filters understand.
const (
	KaiStatusAIInvalidNoRisk = "ai-invalid-norisk"
	KaiStatusInvalidNoRisk   = "invalid - norisk"
)

// Vulnerability is the flattened record that gets stored and queried.
type Vulnerability struct {
	ID             string     `json:"id"`
	SourceID       *string    `json:"sourceId"`
	CVE            *string    `json:"cve"`
	SeverityRaw    string     `json:"severityRaw"`
	Severity       Severity   `json:"severityNormalized"`
	SeverityRank   int        `json:"severityRank"`
	CVSS           *float64   `json:"cvss"`
	KaiStatus      *string    `json:"kaiStatus"`
	Status         *string    `json:"status"`
	RiskFactors    []string   `json:"riskFactors"`
	GroupName      string     `json:"groupName"`
	RepoName       string     `json:"repoName"`
	ImageName      string     `json:"imageName"`
	PackageName    string     `json:"packageName"`
	PackageVersion string     `json:"packageVersion"`
	Summary        string     `json:"summary"`
	PublishedAt    *time.Time `json:"publishedAt"`
	FixDate        *time.Time `json:"fixDate"`
}

// CVEValue returns the CVE or an empty string.
func (v *Vulnerability) CVEValue() string {
	if v.CVE == nil {
		return ""
	}
	return *v.CVE
}

// KaiStatusValue returns the canonical review status or an empty string.
func (v *Vulnerability) KaiStatusValue() string {
	if v.KaiStatus == nil {
		return ""
	}
	return *v.KaiStatus
}
