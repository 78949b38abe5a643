package source

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap/zaptest"
)

const monolithic = `{
  "generatedAt": "2024-01-01",
  "groups": {
    "g1": {
      "repos": {
        "r1": {
          "images": {
            "i1": {"vulnerabilities": [{"id": "V1", "cve": "CVE-1"}, {"cve": "CVE-2"}]},
            "i2": {"vulnerabilities": [{"id": "V3"}]}
          }
        }
      }
    },
    "g2": {"repos": {"r2": {"images": {"i3": {"vulnerabilities": []}}}}}
  }
}`

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestReader(t *testing.T) *Reader {
	return NewReader(NewFetcher(0, nil), zaptest.NewLogger(t))
}

func collect(t *testing.T, r *Reader, candidates ...string) ([]Entry, error) {
	t.Helper()
	var out []Entry
	err := r.Read(context.Background(), candidates, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

func TestReadMonolithic(t *testing.T) {
	path := writeFile(t, t.TempDir(), "data.json", []byte(monolithic))
	r := newTestReader(t)

	entries, err := collect(t, r, path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if r.Progress() != 3 {
		t.Errorf("Progress = %d, want 3", r.Progress())
	}
	first := entries[0]
	if first.Context.Group != "g1" || first.Context.Repo != "r1" || first.Context.Image != "i1" {
		t.Errorf("context = %+v", first.Context)
	}
	if first.Raw.ID.Value != "V1" || entries[1].Raw.CVE.Value != "CVE-2" {
		t.Errorf("unexpected order: %+v", entries)
	}
	if entries[2].Context.Image != "i2" {
		t.Errorf("third entry image = %q, want i2", entries[2].Context.Image)
	}
}

func TestReadManifestGzipChunks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunks/chunk-000.json.gz", gz(t, `{"rows":[{"id":"A","groupName":"g","repoName":"r","imageName":"i"},{"id":"B"}]}`))
	writeFile(t, dir, "chunks/chunk-001.json.gz", gz(t, `{"rows":[{"id":"C"}]}`))
	manifest := writeFile(t, dir, "manifest.json", []byte(`{
		"version": 1, "total": 3,
		"chunks": [
			{"url": "chunks/chunk-000.json.gz", "count": 2, "bytes": 10},
			{"url": "chunks/chunk-001.json.gz", "count": 1, "bytes": 10}
		]}`))

	entries, err := collect(t, newTestReader(t), manifest)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.Raw.ID.Value)
	}
	if got := len(ids); got != 3 || ids[0] != "A" || ids[1] != "B" || ids[2] != "C" {
		t.Fatalf("ids = %v, want [A B C]", ids)
	}
	if entries[0].Raw.GroupName.Value != "g" || entries[0].Context.Group != "" {
		t.Errorf("chunk rows should carry their own context: %+v", entries[0])
	}
}

func TestReadUndeclaredGzip(t *testing.T) {
	path := writeFile(t, t.TempDir(), "data.bin", gz(t, monolithic))
	entries, err := collect(t, newTestReader(t), path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries, want 3", len(entries))
	}
}

func TestReadPointerFile(t *testing.T) {
	pointer := "version https://git-lfs.github.com/spec/v1\noid sha256:abc\nsize 123\n"
	dir := t.TempDir()
	plain := writeFile(t, dir, "data.json", []byte(pointer))
	packed := writeFile(t, dir, "data.json.gz", gz(t, pointer))

	for _, path := range []string{plain, packed} {
		_, err := collect(t, newTestReader(t), path)
		var unavailable *SourceUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("%s: err = %v, want SourceUnavailableError", path, err)
		}
		var pe *PointerFileError
		if !errors.As(err, &pe) {
			t.Errorf("%s: err = %v, want PointerFileError", path, err)
		}
	}
}

func TestReadDeclaredGzipWithoutMagic(t *testing.T) {
	path := writeFile(t, t.TempDir(), "data.json.gz", []byte(monolithic))
	_, err := collect(t, newTestReader(t), path)
	var de *DecompressionError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DecompressionError", err)
	}
}

func TestReadCorruptGzip(t *testing.T) {
	data := gz(t, monolithic)
	path := writeFile(t, t.TempDir(), "data.json.gz", data[:len(data)/2])
	_, err := collect(t, newTestReader(t), path)
	var de *DecompressionError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DecompressionError", err)
	}
}

func TestReadDecodeError(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"broken.json":  `{"groups": {"g": [`,
		"array.json":   `[1, 2, 3]`,
		"unknown.json": `{"hello": "world"}`,
	}
	for name, body := range cases {
		path := writeFile(t, dir, name, []byte(body))
		_, err := collect(t, newTestReader(t), path)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: err = %v, want DecodeError", name, err)
		}
	}
}

func TestReadManifestRequiresChunkArray(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"null.json":   `{"version": 1, "total": 2, "chunks": null}`,
		"object.json": `{"version": 1, "total": 2, "chunks": {"url": "chunk-0.json"}}`,
		"string.json": `{"version": 1, "chunks": "chunk-0.json"}`,
	}
	for name, body := range cases {
		path := writeFile(t, dir, name, []byte(body))
		entries, err := collect(t, newTestReader(t), path)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: err = %v, want DecodeError", name, err)
		}
		if len(entries) != 0 {
			t.Errorf("%s: emitted %d entries", name, len(entries))
		}
	}

	bad := writeFile(t, dir, "manifest.json", []byte(`{"chunks": null}`))
	good := writeFile(t, dir, "data.json", []byte(monolithic))
	entries, err := collect(t, newTestReader(t), bad, good)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("fallback entries = %d, want 3", len(entries))
	}
}

func TestReadFallsBackToNextCandidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "data.json", []byte(monolithic))
	missing := filepath.Join(dir, "missing.json")

	entries, err := collect(t, newTestReader(t), missing, good)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries, want 3", len(entries))
	}
}

func TestReadAllCandidatesFail(t *testing.T) {
	dir := t.TempDir()
	_, err := collect(t, newTestReader(t), filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json"))
	var unavailable *SourceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want SourceUnavailableError", err)
	}
	if n := len(unavailable.Attempts()); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}

	_, err = collect(t, newTestReader(t))
	if !errors.As(err, &unavailable) {
		t.Errorf("no candidates: err = %v, want SourceUnavailableError", err)
	}
}

func TestReadPartialFailureDoesNotFallBack(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunk-000.json", []byte(`{"rows":[{"id":"A"}]}`))
	manifest := writeFile(t, dir, "manifest.json", []byte(`{"chunks":[{"url":"chunk-000.json"},{"url":"chunk-001.json"}]}`))
	fallback := writeFile(t, dir, "data.json", []byte(monolithic))

	entries, err := collect(t, newTestReader(t), manifest, fallback)
	if err == nil {
		t.Fatal("expected an error")
	}
	var unavailable *SourceUnavailableError
	if errors.As(err, &unavailable) {
		t.Errorf("partial read must not be reported as unavailable: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}
}

func TestReadEmitErrorPropagates(t *testing.T) {
	path := writeFile(t, t.TempDir(), "data.json", []byte(monolithic))
	stop := errors.New("stop")
	err := newTestReader(t).Read(context.Background(), []string{path}, func(Entry) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want %v", err, stop)
	}
}

func TestReadCancelled(t *testing.T) {
	path := writeFile(t, t.TempDir(), "data.json", []byte(monolithic))
	ctx, cancel := context.WithCancel(context.Background())
	r := newTestReader(t)
	err := r.Read(ctx, []string{path}, func(Entry) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if r.Progress() >= 3 {
		t.Errorf("read should stop at the next image boundary, got %d entries", r.Progress())
	}
}

func TestReadHTTP(t *testing.T) {
	chunk := gz(t, `{"rows":[{"id":"A"},{"id":"B"}]}`)
	mux := http.NewServeMux()
	mux.HandleFunc("/data/manifest.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"version":1,"total":3,"chunks":[{"url":"chunk-000.json.gz"},{"url":"/other/chunk-001.json.gz"}]}`))
	})
	// Served with Content-Encoding, so the transport inflates it on the way in.
	mux.HandleFunc("/data/chunk-000.json.gz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(chunk)
	})
	// Served as an opaque gzip file.
	mux.HandleFunc("/other/chunk-001.json.gz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(gz(t, `{"rows":[{"id":"C"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	entries, err := collect(t, newTestReader(t), srv.URL+"/missing.json", srv.URL+"/data/manifest.json")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 3 || entries[2].Raw.ID.Value != "C" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		base, ref, want string
	}{
		{"https://cdn.example.com/data/manifest.json", "chunks/c0.json.gz", "https://cdn.example.com/data/chunks/c0.json.gz"},
		{"https://cdn.example.com/data/manifest.json", "/abs/c0.json", "https://cdn.example.com/abs/c0.json"},
		{"https://cdn.example.com/data/manifest.json", "https://other.example.com/c0.json", "https://other.example.com/c0.json"},
		{"s3://bucket/data/manifest.json", "c0.json.gz", "s3://bucket/data/c0.json.gz"},
		{"/srv/data/manifest.json", "chunks/c0.json", "/srv/data/chunks/c0.json"},
		{"/srv/data/manifest.json", "/elsewhere/c0.json", "/elsewhere/c0.json"},
	}
	for _, tt := range tests {
		if got := resolve(tt.base, tt.ref); got != tt.want {
			t.Errorf("resolve(%q, %q) = %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}
}
