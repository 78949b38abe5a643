package source

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const pointerSignature = "version https://git-lfs.github.com/spec/"

var gzipMagic = []byte{0x1f, 0x8b}

// stream is a decoded payload ready for JSON parsing.
type stream struct {
	r       io.Reader
	inflate *inflateReader
	closers []io.Closer
}

func (s *stream) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// failure returns the decompression error seen while reading, if any.
func (s *stream) failure() error {
	if s.inflate == nil {
		return nil
	}
	return s.inflate.err
}

// inflateReader records gzip read errors so that a corrupt stream surfaces as
// a DecompressionError rather than a JSON syntax error.
type inflateReader struct {
	zr  *gzip.Reader
	err error
}

func (r *inflateReader) Read(p []byte) (int, error) {
	n, err := r.zr.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && r.err == nil {
		r.err = err
	}
	return n, err
}

func declaresGzip(p *payload) bool {
	lower := strings.ToLower(p.uri)
	if strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".gzip") {
		return true
	}
	for _, enc := range strings.Split(p.encoding, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

func isPointer(br *bufio.Reader) bool {
	head, _ := br.Peek(len(pointerSignature))
	return bytes.HasPrefix(head, []byte(pointerSignature))
}

// decode wraps the payload body, inflating gzip when present and rejecting
// pointer files before any parsing happens.
func decode(p *payload) (*stream, error) {
	s := &stream{closers: []io.Closer{p.body}}
	br := bufio.NewReaderSize(p.body, 64<<10)
	if isPointer(br) {
		_ = s.Close()
		return nil, &PointerFileError{URI: p.uri}
	}

	head, _ := br.Peek(len(gzipMagic))
	magic := bytes.Equal(head, gzipMagic)
	declared := declaresGzip(p)

	switch {
	case magic:
		zr, err := gzip.NewReader(br)
		if err != nil {
			_ = s.Close()
			return nil, &DecompressionError{URI: p.uri, Err: err}
		}
		s.closers = append(s.closers, zr)
		s.inflate = &inflateReader{zr: zr}
		inner := bufio.NewReaderSize(s.inflate, 64<<10)
		if isPointer(inner) {
			_ = s.Close()
			return nil, &PointerFileError{URI: p.uri}
		}
		if s.inflate.err != nil {
			err := s.inflate.err
			_ = s.Close()
			return nil, &DecompressionError{URI: p.uri, Err: err}
		}
		s.r = inner
	case declared && p.decoded:
		s.r = br
	case declared:
		_ = s.Close()
		return nil, &DecompressionError{URI: p.uri, Err: errors.New("declared gzip but payload has no gzip header")}
	default:
		s.r = br
	}
	return s, nil
}
