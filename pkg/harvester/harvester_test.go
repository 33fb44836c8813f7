// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeFetcher counts calls and delegates the outcome to respond, which may
// write the destination file as a side effect.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	respond func(task Task) string
}

func (f *fakeFetcher) Fetch(_ context.Context, task Task) string {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.respond(task)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// writePDF is a respond func that simulates a successful 12-byte download.
func writePDF(task Task) string {
	if err := os.WriteFile(task.Dest, []byte("%PDF-1.4 ok\n"), 0o644); err != nil {
		return err.Error()
	}
	return ""
}

// fakeObjectStore records uploaded keys (prefix + basename).
type fakeObjectStore struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeObjectStore) Upload(_ context.Context, localPath, remotePrefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, remotePrefix+filepath.Base(localPath))
	return nil
}

func (f *fakeObjectStore) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func writeGzLines(t *testing.T, path string, lines []string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	for _, line := range lines {
		_, err := gz.Write(append([]byte(line), '\n'))
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func unpaywallLine(doi, url string) string {
	return fmt.Sprintf(`{"doi":%q,"title":"t","best_oa_location":{"url_for_pdf":%q}}`, doi, url)
}

func catalogLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = unpaywallLine(fmt.Sprintf("10.1/x%d", i), fmt.Sprintf("http://ok/x%d.pdf", i))
	}
	return lines
}

func newTestHarvester(t *testing.T, opts Options) (*Harvester, Config) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataPath = t.TempDir()
	cfg.BatchSize = 100
	cfg.Workers = 4

	h, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h, cfg
}

func TestHarvestUnpaywall(t *testing.T) {
	t.Run("successful entry is committed and uploaded at the sharded path", func(t *testing.T) {
		fetcher := &fakeFetcher{respond: writePDF}
		objects := &fakeObjectStore{}
		h, cfg := newTestHarvester(t, Options{Fetcher: fetcher, Objects: objects})

		catalog := filepath.Join(cfg.DataPath, "catalog.jsonl.gz")
		writeGzLines(t, catalog, []string{unpaywallLine("10.1/x", "http://ok/x.pdf")})

		stats, err := h.HarvestUnpaywall(context.Background(), catalog)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Enqueued)
		require.Equal(t, 0, stats.Failed)

		fails, total, err := h.Diagnostic()
		require.NoError(t, err)
		require.Equal(t, 0, fails)
		require.Equal(t, 1, total)

		id, found, err := h.Store().IDByDOI("10.1/x")
		require.NoError(t, err)
		require.True(t, found)

		entry, found, err := h.Store().Entry(id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "10.1/x", entry.DOI())
		require.Equal(t, id, entry.ID())

		keys := objects.uploaded()
		require.Len(t, keys, 1)
		require.Equal(t, storagePrefix(id)+id+".pdf", keys[0])

		// Scratch artifact is gone after post-processing.
		_, err = os.Stat(filepath.Join(cfg.DataPath, id+".pdf"))
		require.True(t, os.IsNotExist(err))
	})

	t.Run("failed entry lands in the fail log with its token", func(t *testing.T) {
		fetcher := &fakeFetcher{respond: func(Task) string { return "404" }}
		h, cfg := newTestHarvester(t, Options{Fetcher: fetcher})

		catalog := filepath.Join(cfg.DataPath, "catalog.jsonl.gz")
		writeGzLines(t, catalog, []string{unpaywallLine("10.1/gone", "http://gone/x.pdf")})

		stats, err := h.HarvestUnpaywall(context.Background(), catalog)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Failed)

		// The failure is still committed to Entries and DoiIndex.
		id, found, err := h.Store().IDByDOI("10.1/gone")
		require.NoError(t, err)
		require.True(t, found)

		token, found, err := h.Store().FailToken(id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "404", token)

		// No artifact survives a failure.
		for _, suffix := range []string{".pdf", ".tar.gz", ".nxml"} {
			_, err := os.Stat(filepath.Join(cfg.DataPath, id+suffix))
			require.True(t, os.IsNotExist(err))
		}
	})

	t.Run("empty file downgrades a zero status to failure", func(t *testing.T) {
		fetcher := &fakeFetcher{respond: func(task Task) string {
			if err := os.WriteFile(task.Dest, nil, 0o644); err != nil {
				return err.Error()
			}
			return "0"
		}}
		h, cfg := newTestHarvester(t, Options{Fetcher: fetcher})

		catalog := filepath.Join(cfg.DataPath, "catalog.jsonl.gz")
		writeGzLines(t, catalog, []string{unpaywallLine("10.1/empty", "http://ok/e.pdf")})

		stats, err := h.HarvestUnpaywall(context.Background(), catalog)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Failed)
	})

	t.Run("lines without a pdf url are skipped", func(t *testing.T) {
		fetcher := &fakeFetcher{respond: writePDF}
		h, cfg := newTestHarvester(t, Options{Fetcher: fetcher})

		catalog := filepath.Join(cfg.DataPath, "catalog.jsonl.gz")
		writeGzLines(t, catalog, []string{
			`{"doi":"10.1/nourl","best_oa_location":{"url_for_pdf":null}}`,
			`{"doi":"10.1/noloc","best_oa_location":null}`,
			`{"doi":"10.1/none"}`,
			unpaywallLine("10.1/good", "http://ok/good.pdf"),
		})

		stats, err := h.HarvestUnpaywall(context.Background(), catalog)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Enqueued)
		require.Equal(t, 1, fetcher.count())
	})
}

func TestHarvestDedup(t *testing.T) {
	fetcher := &fakeFetcher{respond: writePDF}
	h, cfg := newTestHarvester(t, Options{Fetcher: fetcher})

	catalog := filepath.Join(cfg.DataPath, "catalog.jsonl.gz")
	writeGzLines(t, catalog, catalogLines(250))

	stats, err := h.HarvestUnpaywall(context.Background(), catalog)
	require.NoError(t, err)
	require.Equal(t, 250, stats.Enqueued)
	require.Equal(t, 250, fetcher.count())

	// Second run over the same catalog performs zero fetches.
	stats, err = h.HarvestUnpaywall(context.Background(), catalog)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Enqueued)
	require.Equal(t, 250, fetcher.count())

	_, total, err := h.Diagnostic()
	require.NoError(t, err)
	require.Equal(t, 250, total)
}

func TestHarvestResumption(t *testing.T) {
	// A run that stopped after the first batch and a fresh run over the full
	// catalog converge on the same final entry count.
	fetcher := &fakeFetcher{respond: writePDF}
	h, cfg := newTestHarvester(t, Options{Fetcher: fetcher})

	lines := catalogLines(250)
	partial := filepath.Join(cfg.DataPath, "partial.jsonl.gz")
	full := filepath.Join(cfg.DataPath, "full.jsonl.gz")
	writeGzLines(t, partial, lines[:100])
	writeGzLines(t, full, lines)

	_, err := h.HarvestUnpaywall(context.Background(), partial)
	require.NoError(t, err)

	_, err = h.HarvestUnpaywall(context.Background(), full)
	require.NoError(t, err)

	_, total, err := h.Diagnostic()
	require.NoError(t, err)
	require.Equal(t, 250, total)
	require.Equal(t, 250, fetcher.count())
}

func TestHarvestSample(t *testing.T) {
	fetcher := &fakeFetcher{respond: writePDF}

	cfg := DefaultConfig()
	cfg.DataPath = t.TempDir()
	cfg.Workers = 4
	h, err := New(context.Background(), cfg, Options{Fetcher: fetcher, Sample: 5})
	require.NoError(t, err)
	defer h.Close()

	catalog := filepath.Join(cfg.DataPath, "catalog.jsonl.gz")
	writeGzLines(t, catalog, catalogLines(1000))

	stats, err := h.HarvestUnpaywall(context.Background(), catalog)
	require.NoError(t, err)
	require.Equal(t, 5, stats.Enqueued)
	require.Equal(t, 5, fetcher.count())
}

func TestHarvestSampleUnterminatedCatalog(t *testing.T) {
	// A catalog whose last line has no trailing newline must still respect
	// the sample cap.
	fetcher := &fakeFetcher{respond: writePDF}

	cfg := DefaultConfig()
	cfg.DataPath = t.TempDir()
	cfg.Workers = 4
	h, err := New(context.Background(), cfg, Options{Fetcher: fetcher, Sample: 4})
	require.NoError(t, err)
	defer h.Close()

	catalog := filepath.Join(cfg.DataPath, "catalog.jsonl.gz")
	f, err := os.Create(catalog)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(catalogLines(5), "\n")))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	stats, err := h.HarvestUnpaywall(context.Background(), catalog)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Enqueued)
	require.LessOrEqual(t, fetcher.count(), 4)
}

func TestHarvestPMC(t *testing.T) {
	// The full archive path in one run: download a tar.gz, extract pdf and
	// nxml, commit, upload both at the sharded prefix, clean up scratch.
	archive := buildTarGz(t, map[string][]byte{
		"PMC555/paper.pdf":  []byte("%PDF-1.4 pmc paper"),
		"PMC555/paper.nxml": []byte("<article/>"),
	})
	fetcher := &fakeFetcher{respond: func(task Task) string {
		if err := os.WriteFile(task.Dest, archive, 0o644); err != nil {
			return err.Error()
		}
		if err := extractArchive(task.Dest); err != nil {
			return "archive: " + err.Error()
		}
		return ""
	}}
	objects := &fakeObjectStore{}
	h, cfg := newTestHarvester(t, Options{Fetcher: fetcher, Objects: objects})

	list := filepath.Join(cfg.DataPath, "oa_file_list.txt")
	require.NoError(t, os.WriteFile(list, []byte(
		"2024-01-15 06:00:12\n"+
			"oa_package/a/b/foo.tar.gz\tCitation A\tPMC555\tpmid:777\tcc-by\n"), 0o644))

	stats, err := h.HarvestPMC(context.Background(), list)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Enqueued)
	require.Equal(t, 0, stats.Failed)

	id, found, err := h.Store().IDByDOI("PMC555")
	require.NoError(t, err)
	require.True(t, found)

	entry, found, err := h.Store().Entry(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "PMC555", entry.PMCID())
	require.Equal(t, "777", entry.PMID())
	require.Equal(t, "PMC555", entry.DOI())
	require.Equal(t, cfg.PMCBase+"oa_package/a/b/foo.tar.gz", entry.PDFURL())

	prefix := storagePrefix(id)
	require.ElementsMatch(t, []string{
		prefix + id + ".pdf",
		prefix + id + ".nxml",
	}, objects.uploaded())

	fails, total, err := h.Store().Counts()
	require.NoError(t, err)
	require.Equal(t, 0, fails)
	require.Equal(t, 1, total)

	for _, suffix := range []string{".tar.gz", ".pdf", ".nxml"} {
		_, err := os.Stat(filepath.Join(cfg.DataPath, id+suffix))
		require.True(t, os.IsNotExist(err), suffix)
	}
}

func TestReprocess(t *testing.T) {
	// Five failures; on reprocess three of the URLs resolve.
	recovering := map[string]bool{
		"http://ok/x0.pdf": true,
		"http://ok/x2.pdf": true,
		"http://ok/x4.pdf": true,
	}
	failAll := true
	fetcher := &fakeFetcher{respond: func(task Task) string {
		if failAll || !recovering[task.URL] {
			return "500"
		}
		return writePDF(task)
	}}
	objects := &fakeObjectStore{}
	h, cfg := newTestHarvester(t, Options{Fetcher: fetcher, Objects: objects})

	catalog := filepath.Join(cfg.DataPath, "catalog.jsonl.gz")
	writeGzLines(t, catalog, catalogLines(5))

	_, err := h.HarvestUnpaywall(context.Background(), catalog)
	require.NoError(t, err)

	fails, _, err := h.Diagnostic()
	require.NoError(t, err)
	require.Equal(t, 5, fails)

	ids := map[string]string{}
	require.NoError(t, h.Store().ForEachEntry(func(id string, e Entry) error {
		ids[e.DOI()] = id
		return nil
	}))

	failAll = false
	stats, err := h.Reprocess(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, stats.Enqueued)
	require.Equal(t, 2, stats.Failed)

	fails, total, err := h.Diagnostic()
	require.NoError(t, err)
	require.Equal(t, 2, fails)
	require.Equal(t, 5, total)

	// Recovered entries kept their original ids and were uploaded.
	for _, doi := range []string{"10.1/x0", "10.1/x2", "10.1/x4"} {
		id, found, err := h.Store().IDByDOI(doi)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, ids[doi], id)
		require.Contains(t, objects.uploaded(), storagePrefix(id)+id+".pdf")
	}

	// Reprocess is monotonic: running it again cannot grow the fail log.
	stats, err = h.Reprocess(context.Background())
	require.NoError(t, err)
	fails2, _, err := h.Diagnostic()
	require.NoError(t, err)
	require.LessOrEqual(t, fails2, fails)
}

func TestDumpRoundTrip(t *testing.T) {
	fetcher := &fakeFetcher{respond: writePDF}
	h, cfg := newTestHarvester(t, Options{Fetcher: fetcher})

	catalog := filepath.Join(cfg.DataPath, "catalog.jsonl.gz")
	writeGzLines(t, catalog, catalogLines(20))

	_, err := h.HarvestUnpaywall(context.Background(), catalog)
	require.NoError(t, err)

	dump := filepath.Join(cfg.DataPath, "dump.jsonl")
	require.NoError(t, h.Dump(dump))

	// The dump re-ingested as a synthetic catalog yields zero new entries.
	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	roundTrip := filepath.Join(cfg.DataPath, "roundtrip.jsonl.gz")
	f, err := os.Create(roundTrip)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	stats, err := h.HarvestUnpaywall(context.Background(), roundTrip)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Enqueued)

	_, total, err := h.Diagnostic()
	require.NoError(t, err)
	require.Equal(t, 20, total)
}

func TestReset(t *testing.T) {
	fetcher := &fakeFetcher{respond: writePDF}
	h, cfg := newTestHarvester(t, Options{Fetcher: fetcher})

	catalog := filepath.Join(cfg.DataPath, "catalog.jsonl.gz")
	writeGzLines(t, catalog, catalogLines(3))

	_, err := h.HarvestUnpaywall(context.Background(), catalog)
	require.NoError(t, err)

	// A stray scratch file survives until reset sweeps it.
	stray := filepath.Join(cfg.DataPath, "stray.pdf")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o644))

	require.NoError(t, h.Reset())

	fails, total, err := h.Diagnostic()
	require.NoError(t, err)
	require.Equal(t, 0, fails)
	require.Equal(t, 0, total)

	_, err = os.Stat(stray)
	require.True(t, os.IsNotExist(err))
}
