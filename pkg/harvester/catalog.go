// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TaskSource is a lazy sequence of download tasks read from a catalog.
// Next returns ok=false when the source is exhausted.
type TaskSource interface {
	Next() (task Task, ok bool, err error)
	Close() error
}

// maxCatalogLine bounds a single catalog line. Unpaywall entries with many OA
// locations can run to several MB.
const maxCatalogLine = 64 << 20

// NewUnpaywallSource streams a gzip-compressed, line-delimited JSON Unpaywall
// dump. Lines whose doi is already in the store's doi index, or that carry no
// usable url_for_pdf, are skipped. sample > 0 restricts the read to that many
// uniformly drawn lines.
func NewUnpaywallSource(path, dataPath string, store *Store, sample int) (TaskSource, error) {
	selection, err := sampleSelection(path, true, sample)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &unpaywallSource{
		path:      path,
		dataPath:  dataPath,
		store:     store,
		selection: selection,
		f:         f,
		scan:      newLineScanner(gz),
	}, nil
}

type unpaywallSource struct {
	path      string
	dataPath  string
	store     *Store
	selection map[int]struct{}
	f         *os.File
	scan      *bufio.Scanner
	line      int
}

func (s *unpaywallSource) Next() (Task, bool, error) {
	for s.scan.Scan() {
		line := s.line
		s.line++

		if s.selection != nil {
			if _, ok := s.selection[line]; !ok {
				continue
			}
		}

		var entry Entry
		if err := json.Unmarshal(s.scan.Bytes(), &entry); err != nil {
			return Task{}, false, &CatalogError{Path: s.path, Line: line, Err: err}
		}

		doi := entry.DOI()
		if doi == "" {
			continue
		}
		if _, seen, err := s.store.IDByDOI(doi); err != nil {
			return Task{}, false, err
		} else if seen {
			continue
		}

		url := entry.PDFURL()
		if url == "" {
			continue
		}

		entry.SetID(uuid.NewString())
		return Task{
			URL:   url,
			Dest:  filepath.Join(s.dataPath, entry.ID()+".pdf"),
			Entry: entry,
		}, true, nil
	}
	if err := s.scan.Err(); err != nil {
		return Task{}, false, &CatalogError{Path: s.path, Line: s.line, Err: err}
	}
	return Task{}, false, nil
}

func (s *unpaywallSource) Close() error { return s.f.Close() }

// NewPMCSource streams the NIH tab-separated PMC file list. The first line is
// a date banner and is skipped; note that when sampling, the selection test
// runs first, so a sampled header line is discarded and yields one fewer
// entry.
func NewPMCSource(path, dataPath, pmcBase string, store *Store, sample int) (TaskSource, error) {
	selection, err := sampleSelection(path, false, sample)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &pmcSource{
		path:      path,
		dataPath:  dataPath,
		pmcBase:   pmcBase,
		store:     store,
		selection: selection,
		f:         f,
		scan:      newLineScanner(f),
	}, nil
}

type pmcSource struct {
	path      string
	dataPath  string
	pmcBase   string
	store     *Store
	selection map[int]struct{}
	f         *os.File
	scan      *bufio.Scanner
	line      int
}

func (s *pmcSource) Next() (Task, bool, error) {
	for s.scan.Scan() {
		line := s.line
		s.line++

		if s.selection != nil {
			if _, ok := s.selection[line]; !ok {
				continue
			}
		}
		if line == 0 {
			continue // date banner
		}

		tokens := strings.Split(s.scan.Text(), "\t")
		if len(tokens) < 4 {
			log.WithFields(log.Fields{"file": s.path, "line": line}).
				Warn("malformed PMC list line, skipping")
			continue
		}
		subpath, pmcid, pmid := tokens[0], tokens[2], tokens[3]
		if i := strings.Index(pmid, ":"); i != -1 {
			pmid = pmid[i+1:]
		}
		if pmcid == "" || subpath == "" {
			continue
		}

		if _, seen, err := s.store.IDByDOI(pmcid); err != nil {
			return Task{}, false, err
		} else if seen {
			continue
		}

		url := s.pmcBase + subpath
		entry := Entry{
			"id":    uuid.NewString(),
			"doi":   pmcid,
			"pmcid": pmcid,
			"pmid":  pmid,
			"best_oa_location": map[string]any{
				"url_for_pdf": url,
			},
		}
		return Task{
			URL:   url,
			Dest:  filepath.Join(s.dataPath, entry.ID()+".tar.gz"),
			Entry: entry,
		}, true, nil
	}
	if err := s.scan.Err(); err != nil {
		return Task{}, false, &CatalogError{Path: s.path, Line: s.line, Err: err}
	}
	return Task{}, false, nil
}

func (s *pmcSource) Close() error { return s.f.Close() }

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), maxCatalogLine)
	return sc
}

// sampleSelection draws `sample` distinct line indices from the catalog,
// counting lines first. Sampling is without replacement, so exactly
// min(sample, lines) candidate lines are read. Returns nil when sampling is
// disabled or the sample covers the whole file.
func sampleSelection(path string, gzipped bool, sample int) (map[int]struct{}, error) {
	if sample <= 0 {
		return nil, nil
	}
	n, err := countLines(path, gzipped)
	if err != nil {
		return nil, err
	}
	if sample >= n {
		return nil, nil
	}
	selection := make(map[int]struct{}, sample)
	for len(selection) < sample {
		selection[rand.Intn(n)] = struct{}{}
	}
	return selection, nil
}

func countLines(path string, gzipped bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, err
		}
		defer gz.Close()
		r = gz
	}

	buf := make([]byte, 8<<20)
	count := 0
	last := byte('\n')
	for {
		n, err := r.Read(buf)
		if n > 0 {
			count += bytes.Count(buf[:n], []byte{'\n'})
			last = buf[n-1]
		}
		if err == io.EOF {
			// A final line without a trailing newline is still a line.
			if last != '\n' {
				count++
			}
			return count, nil
		}
		if err != nil {
			return 0, err
		}
	}
}
