// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// fetchResult pairs a finished download with its status token.
type fetchResult struct {
	status string
	task   Task
}

// fetchBatch runs the fetcher over a batch with a bounded worker pool and
// returns results in task order.
func (h *Harvester) fetchBatch(ctx context.Context, tasks []Task) []fetchResult {
	type token struct{}
	lim := make(chan token, h.cfg.Workers)

	results := make([]fetchResult, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		select {
		case lim <- token{}:
		case <-ctx.Done():
			// Mark the rest canceled; the drain records them as failures.
			for j := i; j < len(tasks); j++ {
				results[j] = fetchResult{status: ctx.Err().Error(), task: tasks[j]}
			}
			wg.Wait()
			return results
		}

		i, task := i, task
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-lim }()
			results[i] = fetchResult{status: h.fetcher.Fetch(ctx, task), task: task}
		}()
	}
	wg.Wait()
	return results
}

// runBatch drives one harvest batch: parallel downloads, a serial drain that
// commits every outcome to the persistent maps, then parallel post-processing
// of the successes. The drain runs entirely on the calling goroutine; bbolt
// write transactions stay on one thread by construction.
func (h *Harvester) runBatch(ctx context.Context, tasks []Task, batch int) (failed int, err error) {
	start := time.Now()
	results := h.fetchBatch(ctx, tasks)

	var successes []Entry
	for _, res := range results {
		entry := res.task.Entry
		id := entry.ID()

		if h.succeeded(res.status, id) {
			if err := h.store.PutEntry(entry); err != nil {
				return failed, err
			}
			if err := h.store.PutDOI(entry.DOI(), id); err != nil {
				return failed, err
			}
			successes = append(successes, entry)
			h.emit(ProgressEvent{Event: "entry_done", DOI: entry.DOI(), URL: res.task.URL, Batch: batch})
		} else {
			// Failures are committed to Entries and DoiIndex too: the doi
			// mapping is what stops a resumed run from re-fetching a broken
			// URL forever.
			if err := h.store.PutEntry(entry); err != nil {
				return failed, err
			}
			if err := h.store.PutDOI(entry.DOI(), id); err != nil {
				return failed, err
			}
			if err := h.store.PutFail(id, res.status); err != nil {
				return failed, err
			}
			h.removeScratch(id)
			failed++
			log.WithFields(log.Fields{"doi": entry.DOI(), "status": res.status}).Error("download failed")
			h.emit(ProgressEvent{Event: "entry_done", DOI: entry.DOI(), URL: res.task.URL, Status: res.status, Batch: batch})
		}
	}

	h.postProcessAll(ctx, successes)

	log.WithFields(log.Fields{
		"batch":   batch,
		"entries": len(tasks),
		"failed":  failed,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("batch committed")
	h.emit(ProgressEvent{Event: "batch_done", Batch: batch, Done: len(tasks), Failed: failed})
	return failed, nil
}

// runReprocessBatch retries previously failed entries. Entries and DoiIndex
// are already committed from the original attempt and are not rewritten; a
// success only deletes the entry from the fail log, a renewed failure leaves
// it there.
func (h *Harvester) runReprocessBatch(ctx context.Context, tasks []Task, batch int) (recovered int, err error) {
	results := h.fetchBatch(ctx, tasks)

	var successes []Entry
	for _, res := range results {
		entry := res.task.Entry
		id := entry.ID()

		if h.succeeded(res.status, id) {
			if err := h.store.DeleteFail(id); err != nil {
				return recovered, err
			}
			successes = append(successes, entry)
			recovered++
			h.emit(ProgressEvent{Event: "entry_done", DOI: entry.DOI(), URL: res.task.URL, Batch: batch})
		} else {
			h.removeScratch(id)
			h.emit(ProgressEvent{Event: "entry_done", DOI: entry.DOI(), URL: res.task.URL, Status: res.status, Batch: batch})
		}
	}

	h.postProcessAll(ctx, successes)
	h.emit(ProgressEvent{Event: "batch_done", Batch: batch, Done: len(tasks), Failed: len(tasks) - recovered})
	return recovered, nil
}

// succeeded applies the success predicate: an empty or "0" token AND a
// non-empty downloaded file. The empty-file check guards against servers
// that return 200 with no body.
func (h *Harvester) succeeded(status, id string) bool {
	if status != "" && status != "0" {
		return false
	}
	return !h.emptyFile(id)
}

func (h *Harvester) emptyFile(id string) bool {
	for _, suffix := range []string{".pdf", ".tar.gz"} {
		fi, err := os.Stat(filepath.Join(h.cfg.DataPath, id+suffix))
		if err == nil && fi.Size() == 0 {
			return true
		}
	}
	return false
}

// postProcessAll runs the post-processor over successful entries with the
// same bounded parallelism as downloads.
func (h *Harvester) postProcessAll(ctx context.Context, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	g := new(errgroup.Group)
	g.SetLimit(h.cfg.Workers)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			h.postProcess(ctx, entry)
			return nil
		})
	}
	_ = g.Wait() // postProcess never returns an error; failures are logged
}
