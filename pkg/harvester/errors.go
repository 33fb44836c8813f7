// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"errors"
	"fmt"
)

// Common errors returned by the library.
var (
	// ErrMissingDataPath is returned when the configuration has no data_path.
	ErrMissingDataPath = errors.New("config: missing data_path")

	// ErrStoreClosed is returned when a store operation runs after Close.
	ErrStoreClosed = errors.New("store: closed")
)

// StoreError wraps a persistent-store failure with the map and key involved.
// Store failures are fatal for the batch that triggered them.
type StoreError struct {
	Map string // "entries", "doi" or "fail"
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s[%s]: %v", e.Map, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// CatalogError wraps a catalog read failure with the line it occurred on.
type CatalogError struct {
	Path string
	Line int
	Err  error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}
