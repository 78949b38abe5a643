package localdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourorg/vulnboard/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vulns.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertListRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	cve := "CVE-2024-1234"
	kai := model.KaiStatusAIInvalidNoRisk
	score := 7.5
	published := time.Date(2023, 11, 2, 8, 30, 0, 123000000, time.UTC)
	batch := []model.Vulnerability{
		{
			ID: "g|r|i|CVE-2024-1234|0", CVE: &cve, SeverityRaw: "High", Severity: model.SeverityHigh, SeverityRank: 1,
			CVSS: &score, KaiStatus: &kai, RiskFactors: []string{"Has fix"}, GroupName: "g", RepoName: "r", ImageName: "i",
			PackageName: "openssl", PublishedAt: &published,
		},
		{ID: "g|r|i|row-1|1", Severity: model.SeverityUnknown, SeverityRank: 4},
	}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertBatch(ctx, batch[:1]); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	n, err := s.Count(ctx)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v", n, err)
	}
	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := all[0]
	if got.CVEValue() != cve || got.KaiStatusValue() != kai || *got.CVSS != 7.5 || got.PackageName != "openssl" {
		t.Errorf("record = %+v", got)
	}
	if !got.PublishedAt.Equal(published) || got.FixDate != nil {
		t.Errorf("dates = %v %v", got.PublishedAt, got.FixDate)
	}
	if len(got.RiskFactors) != 1 || got.RiskFactors[0] != "Has fix" {
		t.Errorf("risk factors = %v", got.RiskFactors)
	}
	if other := all[1]; other.CVE != nil || other.CVSS != nil || other.RiskFactors == nil {
		t.Errorf("sparse record = %+v", other)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("count after reset = %d", n)
	}
}

func TestRunLedger(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Hour)
	if err := s.BeginRun(ctx, model.IngestRun{ID: "run-1", Sources: []string{"a.json"}, StartedAt: started}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateRunProgress(ctx, "run-1", 5000, "commit: 5000 records in 1 batches"); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, "run-1", model.RunDone, 5000, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginRun(ctx, model.IngestRun{ID: "run-2", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	runs, err := s.Runs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("runs = %+v", runs)
	}
	if r := runs[1]; r.Status != model.RunDone || r.Processed != 5000 || r.FinishedAt == nil || r.Sources[0] != "a.json" {
		t.Errorf("finished run = %+v", r)
	}

	time.Sleep(10 * time.Millisecond)
	ids, err := s.FailStaleRunning(ctx, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "run-2" {
		t.Errorf("stale = %v, want [run-2]", ids)
	}
}

func TestSchemaIndexes(t *testing.T) {
	s := openTemp(t)
	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type='index' AND tbl_name='vulnerabilities' AND name LIKE 'idx_%'`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	got := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		got[name] = true
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"idx_vulnerabilities_severity",
		"idx_vulnerabilities_kai_status",
		"idx_vulnerabilities_group",
		"idx_vulnerabilities_repo",
		"idx_vulnerabilities_image",
		"idx_vulnerabilities_cve",
	} {
		if !got[want] {
			t.Errorf("missing index %s (have %v)", want, got)
		}
	}
}
