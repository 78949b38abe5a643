package query

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap/zaptest"

	"github.com/yourorg/vulnboard/internal/ingest"
	"github.com/yourorg/vulnboard/internal/memstore"
	"github.com/yourorg/vulnboard/internal/source"
)

func writeGzip(t *testing.T, path, body string) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(body))
	_ = zw.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestManifestRoundTrip ingests a two-chunk manifest and queries it back.
func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeGzip(t, filepath.Join(dir, "chunk-000.json.gz"), `{"rows":[{"severity":"High","cvss":7.5,"cve":"CVE-2024-1"}]}`)
	if err := os.WriteFile(filepath.Join(dir, "chunk-001.json"),
		[]byte(`{"rows":[{"severity":"low","riskFactors":["RootAccess"],"cve":"CVE-2024-2"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(manifest,
		[]byte(`{"version":1,"total":2,"chunks":[{"url":"chunk-000.json.gz","count":1},{"url":"chunk-001.json","count":1}]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	log := zaptest.NewLogger(t)
	store := memstore.New()
	reader := source.NewReader(source.NewFetcher(0, nil), log)
	p := ingest.New(store, reader, log, ingest.Options{BatchSize: 1})
	n, err := p.Run(context.Background(), []string{manifest}, nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 2 {
		t.Fatalf("ingested %d records, want 2", n)
	}

	e := NewMemoryEngine(store)
	high := mustQuery(t, e, req("severity=HIGH"))
	if high.Total != 1 || high.Data[0].CVEValue() != "CVE-2024-1" || high.Data[0].SeverityRank != 1 {
		t.Errorf("severity=HIGH = %+v", high.Data)
	}
	root := mustQuery(t, e, req("riskFactor=RootAccess"))
	if root.Total != 1 || root.Data[0].CVEValue() != "CVE-2024-2" {
		t.Errorf("riskFactor=RootAccess = %+v", root.Data)
	}
}
