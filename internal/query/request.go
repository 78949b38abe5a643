package query

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/vulnboard/internal/model"
	"github.com/yourorg/vulnboard/internal/normalize"
)

// ParseRequest reads a query from URL parameters. Malformed values impose no
// constraint instead of failing the request.
func ParseRequest(q url.Values) Request {
	req := Request{
		Sort:          model.ParseSortSpec(q.Get("sort"), q.Get("direction")),
		Page:          parseInt(q.Get("page"), 1),
		Limit:         parseInt(q.Get("limit"), DefaultLimit),
		IncludeFacets: parseBool(q.Get("facets"), true),
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Page > MaxPage {
		req.Page = MaxPage
	}
	if req.Limit < 1 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}

	f := &req.Filter
	for _, s := range listParam(q, "severity") {
		f.Severities = append(f.Severities, model.Severity(s))
	}
	f.Repo = strings.TrimSpace(q.Get("repo"))
	f.Group = strings.TrimSpace(q.Get("group"))
	f.KaiStatuses = listParam(q, "kaiStatus")
	f.KaiExclude = listParam(q, "kaiExclude")
	f.RiskFactors = listParam(q, "riskFactor")
	f.DateFrom = parseDate(q.Get("dateFrom"), false)
	f.DateTo = parseDate(q.Get("dateTo"), true)
	f.CVSSMin = parseFloat(q.Get("cvssMin"))
	f.CVSSMax = parseFloat(q.Get("cvssMax"))
	f.Search = strings.TrimSpace(q.Get("search"))
	return req
}

// listParam accepts both repeated parameters and comma separated values.
func listParam(q url.Values, key string) []string {
	var out []string
	for _, raw := range q[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return def
	}
	switch {
	case f >= math.MaxInt:
		return math.MaxInt
	case f <= math.MinInt:
		return math.MinInt
	}
	return int(f)
}

func parseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return b
}

// parseDate takes epoch milliseconds or a date string. A zero epoch means no
// bound. A bare calendar date used as an upper bound covers the whole day.
func parseDate(s string, upper bool) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return nil
	}
	t := normalize.ParseTime(s)
	if t == nil {
		return nil
	}
	if upper && len(s) == len("2006-01-02") && strings.Count(s, "-") == 2 {
		end := t.Add(24*time.Hour - time.Microsecond)
		return &end
	}
	return t
}
