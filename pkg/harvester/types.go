// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import "time"

// Entry is one catalog record: an Open Access resource with a DOI (or a PMC
// identifier standing in for one) and a resolved PDF location. Catalog fields
// the harvester does not interpret are preserved verbatim, so an Entry is a
// thin wrapper over the decoded JSON object.
//
// Known fields:
//   - "id": fresh UUID assigned when the entry is enqueued
//   - "doi": primary external key (for PMC input, the pmcid is reused)
//   - "pmcid", "pmid": PMC/PubMed identifiers (PMC input only)
//   - "best_oa_location.url_for_pdf": the download URL
type Entry map[string]any

// ID returns the harvester-assigned UUID, or "" if not yet assigned.
func (e Entry) ID() string { return e.str("id") }

// SetID assigns the harvester UUID.
func (e Entry) SetID(id string) { e["id"] = id }

// DOI returns the primary external key.
func (e Entry) DOI() string { return e.str("doi") }

// PMCID returns the PMC identifier, or "" for non-PMC entries.
func (e Entry) PMCID() string { return e.str("pmcid") }

// PMID returns the PubMed identifier, or "" for non-PMC entries.
func (e Entry) PMID() string { return e.str("pmid") }

// PDFURL returns best_oa_location.url_for_pdf, or "" if the location or the
// URL is missing or null.
func (e Entry) PDFURL() string {
	loc, ok := e["best_oa_location"].(map[string]any)
	if !ok {
		return ""
	}
	u, _ := loc["url_for_pdf"].(string)
	return u
}

func (e Entry) str(key string) string {
	s, _ := e[key].(string)
	return s
}

// Task is one unit of work emitted by a catalog reader: download URL into
// Dest on behalf of Entry. Dest is <data_path>/<id>.pdf for direct PDF
// resources and <data_path>/<id>.tar.gz for PMC archives.
type Task struct {
	URL   string
	Dest  string
	Entry Entry
}

// ProgressEvent is a progress update emitted while harvesting.
//
// Event types:
//   - "harvest_start": a harvest or reprocess run has begun
//   - "enqueue":       an entry passed dedup and was queued for download
//   - "entry_done":    download + commit finished (Status "" on success)
//   - "batch_done":    a batch fully committed and post-processed
//   - "done":          the run is complete
type ProgressEvent struct {
	Time    time.Time `json:"time"`
	Event   string    `json:"event"`
	DOI     string    `json:"doi,omitempty"`
	URL     string    `json:"url,omitempty"`
	Status  string    `json:"status,omitempty"`
	Batch   int       `json:"batch,omitempty"`
	Done    int       `json:"done,omitempty"`
	Failed  int       `json:"failed,omitempty"`
	Message string    `json:"message,omitempty"`
}

// ProgressFunc receives progress events. It may be called from the batch
// coordinator goroutine only, so implementations need not be thread-safe.
type ProgressFunc func(ProgressEvent)

// RunStats summarizes one harvest or reprocess run.
type RunStats struct {
	Enqueued int // entries that passed dedup and were attempted
	Failed   int // entries recorded in the fail log during this run
}
