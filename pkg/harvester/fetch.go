// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Fetcher downloads a task's URL into its destination file and returns a
// status token: "" on success, an HTTP status code or error text otherwise.
// Fetchers never return Go errors; every failure mode is folded into the
// token so the batch engine can record it in the fail log.
type Fetcher interface {
	Fetch(ctx context.Context, task Task) (status string)
}

// Validator checks a downloaded PDF. A non-nil error promotes the download
// to a failure.
type Validator interface {
	Validate(path string) error
}

// HTTPFetcher is the production Fetcher: streaming HTTP download with
// retries, optional PDF validation, and tar.gz extraction for PMC archives.
type HTTPFetcher struct {
	Client    *http.Client
	Validator Validator // may be nil
	Tries     int       // total attempts, default 5
}

// NewHTTPFetcher builds a fetcher with the harvest download profile:
// 2 second connect timeout, redirects honored, a browser-like User-Agent and
// a PDF-preferring Accept header. PDF validation is enabled when pdftotext
// is found on the PATH.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client:    newDownloadClient(),
		Validator: LookupPDFValidator(),
		Tries:     5,
	}
}

func newDownloadClient() *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: &browserTransport{next: tr}}
}

// browserTransport presents a browser User-Agent: many OA hosts refuse
// obvious bot clients.
type browserTransport struct {
	next http.RoundTripper
}

func (t *browserTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:60.0) Gecko/20100101 Firefox/60.0")
	req.Header.Set("Accept", "application/pdf, text/html;q=0.9,*/*;q=0.8")
	return t.next.RoundTrip(req)
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, task Task) string {
	if status := f.download(ctx, task.URL, task.Dest); status != "" {
		return status
	}

	if f.Validator != nil && strings.HasSuffix(task.Dest, ".pdf") {
		if err := f.Validator.Validate(task.Dest); err != nil {
			return "invalid pdf: " + err.Error()
		}
	}

	if strings.HasSuffix(task.Dest, ".tar.gz") {
		if _, err := os.Stat(task.Dest); err == nil {
			if err := extractArchive(task.Dest); err != nil {
				return "archive: " + err.Error()
			}
			// The extracted PDF gets the same validation as a direct one.
			if f.Validator != nil {
				pdf := strings.TrimSuffix(task.Dest, ".tar.gz") + ".pdf"
				if _, err := os.Stat(pdf); err == nil {
					if err := f.Validator.Validate(pdf); err != nil {
						return "invalid pdf: " + err.Error()
					}
				}
			}
		}
	}
	return ""
}

func (f *HTTPFetcher) download(ctx context.Context, url, dest string) string {
	tries := f.Tries
	if tries <= 0 {
		tries = 5
	}

	var lastStatus string
	for attempt := 0; attempt < tries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err().Error()
		default:
		}

		status := f.tryDownload(ctx, url, dest)
		if status == "" {
			return ""
		}
		lastStatus = status
	}
	return lastStatus
}

func (f *HTTPFetcher) tryDownload(ctx context.Context, url, dest string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err.Error()
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return strconv.Itoa(resp.StatusCode)
	}

	// Stream to a .part file so an interrupted download never leaves a
	// truncated artifact under the final name.
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err.Error()
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err.Error()
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err.Error()
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err.Error()
	}
	return ""
}

// extractArchive pulls the PDF and NLM XML out of a PMC tar.gz. The first
// regular member named *.pdf (case-insensitive) becomes <id>.pdf and every
// *.nxml member becomes <id>.nxml, both next to the archive. Members are
// extracted into a per-entry temp directory first, so identical basenames
// inside one archive cannot clobber each other. The archive itself is
// removed afterwards. A missing PDF is logged but is not a failure: some PMC
// packages ship XML only.
func extractArchive(archivePath string) error {
	dir := filepath.Dir(archivePath)
	stem := strings.TrimSuffix(archivePath, ".tar.gz")

	tmpDir, err := os.MkdirTemp(dir, filepath.Base(stem)+"-extract-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	af, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer af.Close()

	gz, err := gzip.NewReader(af)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	pdfFound := false
	nxml := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.ToLower(hdr.Name)
		switch {
		case !pdfFound && strings.HasSuffix(name, ".pdf"):
			if err := extractMember(tr, tmpDir, stem+".pdf"); err != nil {
				return err
			}
			pdfFound = true
		case strings.HasSuffix(name, ".nxml"):
			if err := extractMember(tr, tmpDir, stem+".nxml"); err != nil {
				return err
			}
			nxml++
		}
	}

	if !pdfFound {
		log.WithField("archive", archivePath).Warn("no pdf found in archive")
	}

	af.Close()
	return os.Remove(archivePath)
}

func extractMember(r io.Reader, tmpDir, dest string) error {
	tmp, err := os.CreateTemp(tmpDir, "member-")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// LookupPDFValidator returns a pdftotext-backed Validator, or nil when
// pdftotext is not installed.
func LookupPDFValidator() Validator {
	path, err := exec.LookPath("pdftotext")
	if err != nil {
		return nil
	}
	log.WithField("pdftotext", path).Debug("pdf validation enabled")
	return &pdftotextValidator{bin: path}
}

type pdftotextValidator struct {
	bin string
}

func (v *pdftotextValidator) Validate(path string) error {
	cmd := exec.Command(v.bin, path, os.DevNull)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pdftotext: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
