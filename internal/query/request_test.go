package query

import (
	"math"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/yourorg/vulnboard/internal/model"
)

func TestParseRequestDefaults(t *testing.T) {
	r := ParseRequest(url.Values{})
	if r.Page != 1 || r.Limit != DefaultLimit || !r.IncludeFacets {
		t.Errorf("defaults = %+v", r)
	}
	if r.Sort != (model.SortSpec{Key: model.SortSeverity, Direction: model.Desc}) {
		t.Errorf("sort = %+v", r.Sort)
	}
	if r.Filter.HasDateRange() || r.Filter.HasCVSSRange() || r.Filter.Search != "" {
		t.Errorf("filter = %+v", r.Filter)
	}
}

func TestParseRequest(t *testing.T) {
	q, _ := url.ParseQuery("page=3&limit=10000&sort=cvss&direction=asc" +
		"&severity=HIGH,%20CRITICAL&severity=LOW&riskFactor=a,,b&kaiExclude=invalid%20-%20norisk" +
		"&dateFrom=2024-01-01&dateTo=2024-01-31&cvssMin=4.5&cvssMax=x&search=%20openssl%20&facets=false")
	r := ParseRequest(q)

	if r.Page != 3 || r.Limit != MaxLimit || r.IncludeFacets {
		t.Errorf("paging = %+v", r)
	}
	if r.Sort != (model.SortSpec{Key: model.SortCVSS, Direction: model.Asc}) {
		t.Errorf("sort = %+v", r.Sort)
	}
	f := r.Filter
	if !reflect.DeepEqual(f.Severities, []model.Severity{"HIGH", "CRITICAL", "LOW"}) {
		t.Errorf("severities = %v", f.Severities)
	}
	if !reflect.DeepEqual(f.RiskFactors, []string{"a", "b"}) || !reflect.DeepEqual(f.KaiExclude, []string{"invalid - norisk"}) {
		t.Errorf("lists = %v %v", f.RiskFactors, f.KaiExclude)
	}
	if !f.DateFrom.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("dateFrom = %v", f.DateFrom)
	}
	if !f.DateTo.Equal(time.Date(2024, 1, 31, 23, 59, 59, 999999000, time.UTC)) {
		t.Errorf("dateTo = %v", f.DateTo)
	}
	if *f.CVSSMin != 4.5 || f.CVSSMax != nil {
		t.Errorf("cvss = %v %v", f.CVSSMin, f.CVSSMax)
	}
	if f.Search != "openssl" {
		t.Errorf("search = %q", f.Search)
	}
}

func TestParseRequestTolerance(t *testing.T) {
	q, _ := url.ParseQuery("page=-2&limit=abc&sort=bogus&direction=sideways&dateFrom=0&dateTo=yesterday&facets=maybe")
	r := ParseRequest(q)
	if r.Page != 1 || r.Limit != DefaultLimit || !r.IncludeFacets {
		t.Errorf("paging = %+v", r)
	}
	if r.Sort.Key != model.SortSeverity || r.Sort.Direction != model.Desc {
		t.Errorf("sort = %+v", r.Sort)
	}
	if r.Filter.HasDateRange() {
		t.Errorf("dates = %v %v", r.Filter.DateFrom, r.Filter.DateTo)
	}
}

func TestParseRequestClampsHugePage(t *testing.T) {
	for _, page := range []string{"200000000000000000", "99999999999999999999", "1e30"} {
		r := ParseRequest(url.Values{"page": {page}, "limit": {"50"}})
		if r.Page != MaxPage {
			t.Errorf("page=%s: Page = %d, want %d", page, r.Page, MaxPage)
		}
		if off := r.offset(); off <= 0 {
			t.Errorf("page=%s: offset = %d, want positive", page, off)
		}
	}

	r := Request{Page: math.MaxInt, Limit: MaxLimit}
	if off := r.offset(); off != math.MaxInt {
		t.Errorf("unclamped offset = %d, want saturation", off)
	}
}
