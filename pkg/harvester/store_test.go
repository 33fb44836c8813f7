// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	t.Run("entry round trip", func(t *testing.T) {
		s, err := OpenStore(t.TempDir())
		require.NoError(t, err)
		defer s.Close()

		e := Entry{
			"id":  "0123456789abcdef",
			"doi": "10.1/a",
			"best_oa_location": map[string]any{
				"url_for_pdf": "http://ok/a.pdf",
			},
			"year": float64(2019), // opaque field, preserved
		}
		require.NoError(t, s.PutEntry(e))

		got, found, err := s.Entry("0123456789abcdef")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "10.1/a", got.DOI())
		require.Equal(t, "http://ok/a.pdf", got.PDFURL())
		require.Equal(t, float64(2019), got["year"])

		_, found, err = s.Entry("missing")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("doi index maps one id per doi", func(t *testing.T) {
		s, err := OpenStore(t.TempDir())
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.PutDOI("10.1/a", "id-1"))

		id, found, err := s.IDByDOI("10.1/a")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "id-1", id)

		_, found, err = s.IDByDOI("10.1/unknown")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("fail log put, get, delete", func(t *testing.T) {
		s, err := OpenStore(t.TempDir())
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.PutFail("id-1", "404"))
		require.NoError(t, s.PutFail("id-2", "connection refused"))

		token, found, err := s.FailToken("id-1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "404", token)

		ids, err := s.FailIDs()
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"id-1", "id-2"}, ids)

		require.NoError(t, s.DeleteFail("id-1"))
		_, found, err = s.FailToken("id-1")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("counts exclude the reserved format key", func(t *testing.T) {
		s, err := OpenStore(t.TempDir())
		require.NoError(t, err)
		defer s.Close()

		fails, total, err := s.Counts()
		require.NoError(t, err)
		require.Equal(t, 0, fails)
		require.Equal(t, 0, total)

		require.NoError(t, s.PutEntry(Entry{"id": "a", "doi": "10.1/a"}))
		require.NoError(t, s.PutEntry(Entry{"id": "b", "doi": "10.1/b"}))
		require.NoError(t, s.PutFail("b", "404"))

		fails, total, err = s.Counts()
		require.NoError(t, err)
		require.Equal(t, 1, fails)
		require.Equal(t, 2, total)
	})

	t.Run("iteration skips the format key and survives reopen", func(t *testing.T) {
		dir := t.TempDir()
		s, err := OpenStore(dir)
		require.NoError(t, err)
		require.NoError(t, s.PutEntry(Entry{"id": "a", "doi": "10.1/a"}))
		require.NoError(t, s.Close())

		s, err = OpenStore(dir)
		require.NoError(t, err)
		defer s.Close()

		var seen []string
		require.NoError(t, s.ForEachEntry(func(id string, e Entry) error {
			seen = append(seen, id)
			return nil
		}))
		require.Equal(t, []string{"a"}, seen)
	})

	t.Run("reset wipes maps and sweeps scratch files", func(t *testing.T) {
		dir := t.TempDir()
		s, err := OpenStore(dir)
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.PutEntry(Entry{"id": "a", "doi": "10.1/a"}))
		require.NoError(t, s.PutFail("a", "404"))

		for _, name := range []string{"x.pdf", "x.png", "x.nxml", "x.tar.gz", "keep.txt"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
		}

		require.NoError(t, s.Reset())

		fails, total, err := s.Counts()
		require.NoError(t, err)
		require.Equal(t, 0, fails)
		require.Equal(t, 0, total)

		for _, name := range []string{"x.pdf", "x.png", "x.nxml", "x.tar.gz"} {
			_, err := os.Stat(filepath.Join(dir, name))
			require.True(t, os.IsNotExist(err), name)
		}
		_, err = os.Stat(filepath.Join(dir, "keep.txt"))
		require.NoError(t, err)

		// The store stays usable after reset.
		require.NoError(t, s.PutEntry(Entry{"id": "b", "doi": "10.1/b"}))
	})
}
