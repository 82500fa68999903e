// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package memprof

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfile = `{
  "records": [
    {
      "alloc_sites": [
        {
          "call_stack": [
            {"function_name": "allocA", "line_offset": 3, "column": 7},
            {"function_name": "main", "line_offset": 12, "column": 1}
          ],
          "access_histogram": [1, 2],
          "alloc_size_bytes": 16
        }
      ]
    },
    {
      "alloc_sites": [
        {
          "call_stack": [{"function_name": "allocB", "line_offset": 4, "column": 0}],
          "access_histogram": [7],
          "alloc_size_bytes": 8
        }
      ]
    }
  ]
}`

func drain(t *testing.T, r Reader) []Record {
	t.Helper()
	var records []Record
	for {
		record, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		records = append(records, *record)
	}
	require.NoError(t, r.Close())
	return records
}

func checkSample(t *testing.T, records []Record) {
	t.Helper()
	require.Len(t, records, 2)
	require.Len(t, records[0].AllocSites, 1)
	site := records[0].AllocSites[0]
	require.Len(t, site.CallStack, 2)
	assert.Equal(t, "allocA", site.CallStack[0].FunctionName)
	assert.Equal(t, uint64(3), site.CallStack[0].LineOffset)
	assert.Equal(t, uint64(7), site.CallStack[0].Column)
	assert.Equal(t, []uint64{1, 2}, site.AccessHistogram)
	assert.Equal(t, int64(16), site.AllocSizeBytes)
	assert.Equal(t, []uint64{7}, records[1].AllocSites[0].AccessHistogram)
}

func TestOpenRawPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.memprofraw")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfile), 0o644))

	r, err := OpenRaw(path)
	require.NoError(t, err)
	checkSample(t, drain(t, r))
}

func TestOpenRawGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.memprofraw.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(sampleProfile))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	r, err := OpenRaw(path)
	require.NoError(t, err)
	checkSample(t, drain(t, r))
}

func TestOpenRawZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.memprofraw.zst")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = zw.Write([]byte(sampleProfile))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	r, err := OpenRaw(path)
	require.NoError(t, err)
	checkSample(t, drain(t, r))
}

func TestOpenRawErrors(t *testing.T) {
	_, err := OpenRaw(filepath.Join(t.TempDir(), "missing.memprofraw"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage.memprofraw")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err = OpenRaw(path)
	assert.Error(t, err)
}
