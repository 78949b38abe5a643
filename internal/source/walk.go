package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/yourorg/vulnboard/internal/model"
	"github.com/yourorg/vulnboard/internal/normalize"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Manifest lists the chunk files of a split dataset.
type Manifest struct {
	Version int     `json:"version"`
	Total   int     `json:"total"`
	Chunks  []Chunk `json:"chunks"`
}

type Chunk struct {
	URL   string `json:"url"`
	Count int    `json:"count"`
	Bytes int64  `json:"bytes"`
}

type shape int

const (
	shapeNone shape = iota
	shapeManifest
	shapeGroups
	shapeRows
)

// rowsYield is how often a flat row walk checks for cancellation.
const rowsYield = 1024

type walker struct {
	ctx  context.Context
	emit func(Entry) error
	// sinkErr is the error returned by emit, kept apart from decode failures.
	sinkErr error
}

func iterErr(it *jsoniter.Iterator) error {
	if it.Error == nil || errors.Is(it.Error, io.EOF) {
		return nil
	}
	return it.Error
}

// eachField calls fn for every key of the object under the cursor. fn must
// consume the value. Non-object values are skipped.
func eachField(it *jsoniter.Iterator, fn func(key string) error) error {
	if it.WhatIsNext() != jsoniter.ObjectValue {
		it.Skip()
		return iterErr(it)
	}
	var err error
	it.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		err = fn(key)
		return err == nil && iterErr(it) == nil
	})
	if err != nil {
		return err
	}
	return iterErr(it)
}

func eachElement(it *jsoniter.Iterator, fn func() error) error {
	if it.WhatIsNext() != jsoniter.ArrayValue {
		it.Skip()
		return iterErr(it)
	}
	var err error
	it.ReadArrayCB(func(it *jsoniter.Iterator) bool {
		err = fn()
		return err == nil && iterErr(it) == nil
	})
	if err != nil {
		return err
	}
	return iterErr(it)
}

// walkDocument streams one JSON document. Monolithic datasets and chunk
// files are emitted as they are read; a manifest is returned for the caller
// to follow.
func (w *walker) walkDocument(it *jsoniter.Iterator, allow func(shape) bool) (*Manifest, shape, error) {
	if it.WhatIsNext() != jsoniter.ObjectValue {
		if err := iterErr(it); err != nil {
			return nil, shapeNone, err
		}
		return nil, shapeNone, errors.New("document root is not an object")
	}

	var (
		found  = shapeNone
		man    Manifest
		cbErr  error
		header = map[string]int{}
	)
	complete := it.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		switch {
		case key == "chunks" && found == shapeNone && allow(shapeManifest) && it.WhatIsNext() == jsoniter.ArrayValue:
			found = shapeManifest
			it.ReadVal(&man.Chunks)
		case key == "groups" && found == shapeNone && allow(shapeGroups):
			found = shapeGroups
			cbErr = w.walkGroups(it)
		case key == "rows" && found == shapeNone && allow(shapeRows):
			found = shapeRows
			cbErr = w.walkRows(it, normalize.Context{})
		case key == "version" || key == "total":
			header[key] = it.ReadAny().ToInt()
		default:
			it.Skip()
		}
		return cbErr == nil && iterErr(it) == nil
	})
	if cbErr != nil {
		return nil, found, cbErr
	}
	if err := iterErr(it); err != nil {
		return nil, found, err
	}
	if !complete {
		return nil, found, errors.New("truncated document")
	}
	if found == shapeNone {
		return nil, found, errors.New("document has no groups, chunks or rows")
	}
	if found != shapeManifest {
		return nil, found, nil
	}
	man.Version = header["version"]
	man.Total = header["total"]
	return &man, found, nil
}

func (w *walker) walkGroups(it *jsoniter.Iterator) error {
	return eachField(it, func(group string) error {
		return eachField(it, func(key string) error {
			if key != "repos" {
				it.Skip()
				return nil
			}
			return eachField(it, func(repo string) error {
				return eachField(it, func(key string) error {
					if key != "images" {
						it.Skip()
						return nil
					}
					return eachField(it, func(image string) error {
						if err := w.ctx.Err(); err != nil {
							return err
						}
						c := normalize.Context{Group: group, Repo: repo, Image: image}
						return eachField(it, func(key string) error {
							if key != "vulnerabilities" {
								it.Skip()
								return nil
							}
							return w.walkRows(it, c)
						})
					})
				})
			})
		})
	})
}

func (w *walker) walkRows(it *jsoniter.Iterator, c normalize.Context) error {
	n := 0
	return eachElement(it, func() error {
		n++
		if n%rowsYield == 0 {
			if err := w.ctx.Err(); err != nil {
				return err
			}
		}
		if it.WhatIsNext() != jsoniter.ObjectValue {
			it.Skip()
			return nil
		}
		var raw model.RawEntry
		it.ReadVal(&raw)
		if err := iterErr(it); err != nil {
			return fmt.Errorf("row %d: %w", n, err)
		}
		if err := w.emit(Entry{Raw: raw, Context: c}); err != nil {
			w.sinkErr = err
			return err
		}
		return nil
	})
}
