// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"github.com/cheggaaa/pb/v3"

	"github.com/oapdf/harvester/pkg/harvester"
)

// newProgressRenderer returns a progress handler and a close function. The
// default renderer drives a terminal progress bar whose total grows as the
// catalog reader enqueues entries; quiet mode renders nothing (failures are
// still logged).
func newProgressRenderer(quiet bool) (harvester.ProgressFunc, func()) {
	if quiet {
		return nil, func() {}
	}

	var bar *pb.ProgressBar
	handler := func(ev harvester.ProgressEvent) {
		switch ev.Event {
		case "harvest_start":
			if bar == nil {
				bar = pb.New(0)
				bar.Start()
			}
		case "enqueue":
			if bar != nil {
				bar.SetTotal(bar.Total() + 1)
			}
		case "entry_done":
			if bar != nil {
				bar.Increment()
			}
		}
	}
	closeFn := func() {
		if bar != nil {
			bar.Finish()
			bar = nil
		}
	}
	return handler, closeFn
}
