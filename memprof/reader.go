// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package memprof reads heap-profiling records: logical allocations with
// one or more sites, each carrying its call stack, a coarse access
// histogram over the allocated bytes, and the allocation size. The
// on-disk encoding is the producer's portable record dump, optionally
// zstd- or gzip-compressed.
package memprof // import "github.com/accessprof/fieldaccess/memprof"

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// HistogramGranularity is the byte width of one access-histogram bucket.
const HistogramGranularity = 8

// Frame is one call-stack entry of an allocation site.
type Frame struct {
	FunctionName string `json:"function_name"`
	GUID         uint64 `json:"guid,omitempty"`
	LineOffset   uint64 `json:"line_offset"`
	Column       uint64 `json:"column"`
	Inline       bool   `json:"inline,omitempty"`
}

// AllocSite is one allocation site of a record: the stack that allocated
// (leaf first), the access histogram over the allocation, and the
// requested size in bytes.
type AllocSite struct {
	CallStack       []Frame  `json:"call_stack"`
	AccessHistogram []uint64 `json:"access_histogram"`
	AllocSizeBytes  int64    `json:"alloc_size_bytes"`
}

// Record is one logical allocation with its sites.
type Record struct {
	AllocSites []AllocSite `json:"alloc_sites"`
}

// Reader iterates over profile records. Next returns io.EOF after the
// last record.
type Reader interface {
	Next() (*Record, error)
	Close() error
}

// rawReader decodes the portable record dump.
type rawReader struct {
	records []Record
	pos     int
	closer  io.Closer
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// OpenRaw opens a profile file, transparently decompressing zstd or gzip
// payloads, and decodes all records.
func OpenRaw(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening profile file `%s`: %v", path, err)
	}

	reader, err := wrapDecompression(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not create reader: %v", err)
	}

	var payload struct {
		Records []Record `json:"records"`
	}
	if err := json.NewDecoder(reader).Decode(&payload); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not decode profile `%s`: %v", path, err)
	}
	return &rawReader{records: payload.Records, closer: f}, nil
}

// wrapDecompression sniffs the magic bytes and layers the matching
// decompressor, if any.
func wrapDecompression(f *os.File) (io.Reader, error) {
	magic := make([]byte, 4)
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	magic = magic[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(magic, zstdMagic):
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case bytes.HasPrefix(magic, gzipMagic):
		return gzip.NewReader(f)
	default:
		return f, nil
	}
}

func (r *rawReader) Next() (*Record, error) {
	if r.pos >= len(r.records) {
		return nil, io.EOF
	}
	record := &r.records[r.pos]
	r.pos++
	return record, nil
}

func (r *rawReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// SliceReader serves records from memory, for tests.
type SliceReader struct {
	Records []Record
	pos     int
}

func (r *SliceReader) Next() (*Record, error) {
	if r.pos >= len(r.Records) {
		return nil, io.EOF
	}
	record := &r.Records[r.pos]
	r.pos++
	return record, nil
}

func (r *SliceReader) Close() error { return nil }
