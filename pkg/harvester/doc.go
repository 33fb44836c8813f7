// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package harvester downloads Open Access scholarly PDFs in resumable,
parallel batches.

Given an Unpaywall dump (gzipped line-delimited JSON) or a NIH/PMC file
list (tab-separated), the harvester fetches each referenced PDF (plus the
NLM XML shipped in PMC archives), records per-entry state in three embedded
key-value maps, and stores the artifacts either in an S3 bucket or under a
local content-addressed directory hierarchy.

# State

Three bbolt databases live under the configured data directory:

	entries/  id  -> JSON Entry   (canonical record)
	doi/      doi -> id           (dedup index; one id per doi)
	fail/     id  -> error token  (last attempt failed)

Both successes and failures are committed to entries/ and doi/, so a
resumed or incremental harvest never re-fetches a URL it has already
tried. Failures can be retried later with Reprocess, which removes
recovered ids from fail/.

# Quick start

	cfg := harvester.DefaultConfig()
	cfg.DataPath = "./data"

	h, err := harvester.New(ctx, cfg, harvester.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer h.Close()

	stats, err := h.HarvestUnpaywall(ctx, "unpaywall_snapshot.jsonl.gz")

Downloading, PDF validation, thumbnail rendering, and uploads sit behind
the Fetcher, Validator, Thumbnailer and ObjectStore interfaces, so the
pipeline runs against in-process fakes in tests.
*/
package harvester
