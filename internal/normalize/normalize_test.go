package normalize

import (
	"encoding/json"
	"testing"

	"github.com/yourorg/vulnboard/internal/model"
)

func decodeRaw(t *testing.T, doc string) model.RawEntry {
	t.Helper()
	var raw model.RawEntry
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		t.Fatalf("decode raw entry: %v", err)
	}
	return raw
}

func TestEntryDerivesID(t *testing.T) {
	ctx := Context{Group: "g", Repo: "r", Image: "i"}
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"source id wins", `{"id":"abc","cve":"CVE-1"}`, "g|r|i|abc|7"},
		{"numeric source id", `{"id":42}`, "g|r|i|42|7"},
		{"cve fallback", `{"cve":"CVE-2024-1"}`, "g|r|i|CVE-2024-1|7"},
		{"empty id falls through", `{"id":"","cve":"CVE-9"}`, "g|r|i|CVE-9|7"},
		{"row placeholder", `{}`, "g|r|i|row-7|7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Entry(decodeRaw(t, tc.doc), ctx, 7)
			if got.ID != tc.want {
				t.Fatalf("id = %q, want %q", got.ID, tc.want)
			}
		})
	}
}

func TestEntryIDsUniqueForCollidingUpstream(t *testing.T) {
	raw := decodeRaw(t, `{"id":"dup","cve":"CVE-2024-1"}`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		v := Entry(raw, Context{Group: "g", Repo: "r", Image: "i"}, i)
		if seen[v.ID] {
			t.Fatalf("duplicate id %q at ordinal %d", v.ID, i)
		}
		seen[v.ID] = true
	}
}

func TestSeverityNormalisation(t *testing.T) {
	cases := map[string]model.Severity{
		"Critical":      model.SeverityCritical,
		"crit":          model.SeverityCritical,
		"HIGH":          model.SeverityHigh,
		"very high":     model.SeverityHigh,
		"Medium":        model.SeverityMedium,
		"moderate-med":  model.SeverityMedium,
		"low":           model.SeverityLow,
		"informational": model.SeverityUnknown,
		"":              model.SeverityUnknown,
	}
	for raw, want := range cases {
		doc, _ := json.Marshal(map[string]string{"severity": raw})
		v := Entry(decodeRaw(t, string(doc)), Context{}, 0)
		if v.Severity != want {
			t.Errorf("severity(%q) = %s, want %s", raw, v.Severity, want)
		}
		if model.SeverityOrder[v.SeverityRank] != v.Severity {
			t.Errorf("rank %d inconsistent with %s", v.SeverityRank, v.Severity)
		}
	}
}

func TestCVSSCoercion(t *testing.T) {
	cases := []struct {
		doc  string
		want *float64
	}{
		{`{"cvss":7.5}`, ptr(7.5)},
		{`{"cvss":"9.8"}`, ptr(9.8)},
		{`{"cvss":null,"cvssScore":5}`, ptr(5)},
		{`{"cvss":"n/a","cvssBaseScore":"4.3"}`, ptr(4.3)},
		{`{"cvss":11}`, nil},
		{`{"cvss":-1,"cvssScore":5}`, nil},
		{`{"cvss":""}`, nil},
		{`{}`, nil},
		{`{"cvss":"CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"}`, ptr(9.8)},
	}
	for _, tc := range cases {
		got := CVSS(decodeRaw(t, tc.doc))
		switch {
		case tc.want == nil && got != nil:
			t.Errorf("%s: expected no score, got %v", tc.doc, *got)
		case tc.want != nil && got == nil:
			t.Errorf("%s: expected %v, got none", tc.doc, *tc.want)
		case tc.want != nil && *got != *tc.want:
			t.Errorf("%s: got %v, want %v", tc.doc, *got, *tc.want)
		}
	}
}

func TestRiskFactorsBothShapes(t *testing.T) {
	list := Entry(decodeRaw(t, `{"riskFactors":["RootAccess"," Exploit ","",null,"RootAccess"]}`), Context{}, 0)
	if got, want := list.RiskFactors, []string{"RootAccess", "Exploit"}; !equalStrings(got, want) {
		t.Fatalf("list risk factors = %v, want %v", got, want)
	}

	keys := Entry(decodeRaw(t, `{"riskFactors":{"Has fix":true,"Remote execution":{},"DoS":false,"":true}}`), Context{}, 0)
	if got, want := keys.RiskFactors, []string{"Has fix", "Remote execution"}; !equalStrings(got, want) {
		t.Fatalf("object risk factors = %v, want %v", got, want)
	}

	none := Entry(decodeRaw(t, `{"riskFactors":"weird"}`), Context{}, 0)
	if len(none.RiskFactors) != 0 {
		t.Fatalf("expected no risk factors, got %v", none.RiskFactors)
	}
}

func TestKaiStatusVariants(t *testing.T) {
	cases := []struct {
		raw       string
		canonical string
		status    string
	}{
		{"AI_INVALID_NORISK", model.KaiStatusAIInvalidNoRisk, ""},
		{"ai  invalid   norisk", model.KaiStatusAIInvalidNoRisk, ""},
		{"ai-invalid - norisk", model.KaiStatusAIInvalidNoRisk, ""},
		{"Invalid - NoRisk", model.KaiStatusInvalidNoRisk, ""},
		{"invalid_norisk", model.KaiStatusInvalidNoRisk, ""},
		{" invalid norisk ", model.KaiStatusInvalidNoRisk, ""},
		{"needs-review", "", "needs-review"},
	}
	for _, tc := range cases {
		doc, _ := json.Marshal(map[string]string{"kaiStatus": tc.raw})
		v := Entry(decodeRaw(t, string(doc)), Context{}, 0)
		if got := v.KaiStatusValue(); got != tc.canonical {
			t.Errorf("kaiStatus(%q) = %q, want %q", tc.raw, got, tc.canonical)
		}
		gotStatus := ""
		if v.Status != nil {
			gotStatus = *v.Status
		}
		if gotStatus != tc.status {
			t.Errorf("status(%q) = %q, want %q", tc.raw, gotStatus, tc.status)
		}
	}
}

func TestDescriptiveFieldsAndDates(t *testing.T) {
	v := Entry(decodeRaw(t, `{
		"package":"openssl","packageVersion":"1.1.1","description":"bad",
		"published":"2024-03-05T10:00:00Z","fixDate":"not a date"
	}`), Context{Group: "g", Repo: "r", Image: "i"}, 0)
	if v.PackageName != "openssl" || v.PackageVersion != "1.1.1" || v.Summary != "bad" {
		t.Fatalf("unexpected descriptive fields: %+v", v)
	}
	if v.PublishedAt == nil || v.PublishedAt.Format("2006-01") != "2024-03" {
		t.Fatalf("publishedAt = %v", v.PublishedAt)
	}
	if v.FixDate != nil {
		t.Fatalf("fixDate should be nil, got %v", v.FixDate)
	}

	ms := ParseTime("1700000000000")
	if ms == nil || ms.Year() != 2023 {
		t.Fatalf("epoch ms parse = %v", ms)
	}
	if ParseTime("2024-01-15") == nil {
		t.Fatal("plain date should parse")
	}
}

func TestRowContextFallback(t *testing.T) {
	v := Entry(decodeRaw(t, `{"groupName":"G","repoName":"R","imageName":"I","cve":"CVE-1"}`), Context{}, 3)
	if v.GroupName != "G" || v.RepoName != "R" || v.ImageName != "I" {
		t.Fatalf("row context not used: %+v", v)
	}
	if v.ID != "G|R|I|CVE-1|3" {
		t.Fatalf("id = %q", v.ID)
	}
}

func ptr(f float64) *float64 { return &f }

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
