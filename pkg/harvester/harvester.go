// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Harvester drives the whole pipeline: catalog reading, batched parallel
// downloads, persistent commits, and post-processing. One Harvester owns the
// three persistent maps for the life of the process.
type Harvester struct {
	cfg       Config
	store     *Store
	fetcher   Fetcher
	objects   ObjectStore // nil means local sharded copies
	thumbs    Thumbnailer
	thumbnail bool
	sample    int
	progress  ProgressFunc
}

// Options tunes a Harvester beyond its file configuration. Zero values give
// production collaborators: an HTTP fetcher, an S3 store when the config
// names a bucket, and an ImageMagick thumbnailer.
type Options struct {
	// Thumbnail enables front-page thumbnail rendering for each PDF.
	Thumbnail bool

	// Sample restricts a harvest to this many uniformly drawn catalog lines.
	Sample int

	// Progress receives pipeline events. Called from the batch coordinator
	// goroutine only.
	Progress ProgressFunc

	// Fetcher, Objects and Thumbs replace the production collaborators.
	// Used by tests to run the pipeline in-process.
	Fetcher Fetcher
	Objects ObjectStore
	Thumbs  Thumbnailer
}

// New opens the persistent store under cfg.DataPath and assembles the
// pipeline. The caller must Close the returned Harvester.
func New(ctx context.Context, cfg Config, opts Options) (*Harvester, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, err
	}
	store, err := OpenStore(cfg.DataPath)
	if err != nil {
		return nil, err
	}

	h := &Harvester{
		cfg:       cfg,
		store:     store,
		fetcher:   opts.Fetcher,
		objects:   opts.Objects,
		thumbs:    opts.Thumbs,
		thumbnail: opts.Thumbnail,
		sample:    opts.Sample,
		progress:  opts.Progress,
	}
	if h.fetcher == nil {
		h.fetcher = NewHTTPFetcher()
	}
	if h.thumbs == nil {
		h.thumbs = &ConvertThumbnailer{}
	}
	if h.objects == nil && cfg.BucketName != "" {
		s3store, err := NewS3Store(ctx, cfg)
		if err != nil {
			store.Close()
			return nil, err
		}
		h.objects = s3store
	}
	return h, nil
}

// Close releases the persistent store.
func (h *Harvester) Close() error {
	return h.store.Close()
}

// Store exposes the persistent maps, mainly for inspection in tests.
func (h *Harvester) Store() *Store {
	return h.store
}

// HarvestUnpaywall harvests a gzipped line-delimited JSON Unpaywall dump.
func (h *Harvester) HarvestUnpaywall(ctx context.Context, path string) (RunStats, error) {
	src, err := NewUnpaywallSource(path, h.cfg.DataPath, h.store, h.sample)
	if err != nil {
		return RunStats{}, err
	}
	log.WithField("catalog", path).Info("harvesting unpaywall dataset")
	return h.harvest(ctx, src)
}

// HarvestPMC harvests a NIH PMC tab-separated file list.
func (h *Harvester) HarvestPMC(ctx context.Context, path string) (RunStats, error) {
	src, err := NewPMCSource(path, h.cfg.DataPath, h.cfg.PMCBase, h.store, h.sample)
	if err != nil {
		return RunStats{}, err
	}
	log.WithField("catalog", path).Info("harvesting PMC file list")
	return h.harvest(ctx, src)
}

// harvest accumulates tasks into fixed-size batches and runs each to
// completion before pulling more from the source. A batch's store commits
// therefore happen-before any download of the next batch, which is what
// makes mid-catalog resumption safe.
func (h *Harvester) harvest(ctx context.Context, src TaskSource) (RunStats, error) {
	defer src.Close()

	h.emit(ProgressEvent{Event: "harvest_start"})
	var stats RunStats
	batch := make([]Task, 0, h.cfg.BatchSize)
	batchNum := 0

	for {
		task, ok, err := src.Next()
		if err != nil {
			return stats, err
		}
		if !ok {
			break
		}
		stats.Enqueued++
		h.emit(ProgressEvent{Event: "enqueue", DOI: task.Entry.DOI(), URL: task.URL})
		batch = append(batch, task)

		if len(batch) == h.cfg.BatchSize {
			failed, err := h.runBatch(ctx, batch, batchNum)
			stats.Failed += failed
			if err != nil {
				return stats, err
			}
			batch = batch[:0]
			batchNum++
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
	}

	if len(batch) > 0 {
		failed, err := h.runBatch(ctx, batch, batchNum)
		stats.Failed += failed
		if err != nil {
			return stats, err
		}
	}

	log.WithFields(log.Fields{"entries": stats.Enqueued, "failed": stats.Failed}).
		Info("harvest complete")
	h.emit(ProgressEvent{Event: "done", Done: stats.Enqueued, Failed: stats.Failed})
	return stats, nil
}

// Reprocess retries every entry currently in the fail log. Successful
// retries leave the fail log; renewed failures stay.
func (h *Harvester) Reprocess(ctx context.Context) (RunStats, error) {
	fails, total, err := h.store.Counts()
	if err != nil {
		return RunStats{}, err
	}
	log.WithFields(log.Fields{"failed": fails, "total": total}).
		Info("reprocessing failed entries")

	ids, err := h.store.FailIDs()
	if err != nil {
		return RunStats{}, err
	}

	h.emit(ProgressEvent{Event: "harvest_start"})
	var stats RunStats
	batch := make([]Task, 0, h.cfg.BatchSize)
	batchNum := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		recovered, err := h.runReprocessBatch(ctx, batch, batchNum)
		stats.Failed += len(batch) - recovered
		batch = batch[:0]
		batchNum++
		return err
	}

	for _, id := range ids {
		entry, found, err := h.store.Entry(id)
		if err != nil {
			return stats, err
		}
		if !found {
			// Fail log entry with no record: a stale write from a crash.
			continue
		}
		url := entry.PDFURL()
		if url == "" {
			continue
		}
		dest := filepath.Join(h.cfg.DataPath, id+".pdf")
		if strings.HasSuffix(url, ".tar.gz") {
			dest = filepath.Join(h.cfg.DataPath, id+".tar.gz")
		}

		stats.Enqueued++
		h.emit(ProgressEvent{Event: "enqueue", DOI: entry.DOI(), URL: url})
		batch = append(batch, Task{URL: url, Dest: dest, Entry: entry})

		if len(batch) == h.cfg.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	log.WithFields(log.Fields{"retried": stats.Enqueued, "still_failing": stats.Failed}).
		Info("reprocess complete")
	h.emit(ProgressEvent{Event: "done", Done: stats.Enqueued, Failed: stats.Failed})
	return stats, nil
}

// Reset wipes all persistent state and scratch artifacts and re-opens fresh
// maps. The only destructive mode.
func (h *Harvester) Reset() error {
	log.WithField("data_path", h.cfg.DataPath).Warn("resetting harvest state")
	return h.store.Reset()
}

// Dump exports every Entry as one JSON object per line, with the id field
// set from the store key. Iteration follows cursor order.
func (h *Harvester) Dump(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	err = h.store.ForEachEntry(func(id string, e Entry) error {
		e.SetID(id)
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		return w.WriteByte('\n')
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

// Diagnostic returns (failed, total) counts from the persistent maps.
func (h *Harvester) Diagnostic() (fails int, total int, err error) {
	return h.store.Counts()
}

func (h *Harvester) emit(ev ProgressEvent) {
	if h.progress == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.progress(ev)
}
