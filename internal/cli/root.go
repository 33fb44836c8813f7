// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oapdf/harvester/pkg/harvester"
)

// RootOpts holds the CLI mode flags and global options.
type RootOpts struct {
	Unpaywall string
	PMC       string
	Increment string
	Reprocess bool
	Reset     bool
	Config    string
	Dump      string
	Thumbnail bool
	Sample    int
	Workers   int
	Quiet     bool
	Verbose   bool
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "oaharvester",
		Short:         "Resumable, parallel harvester of Open Access scholarly PDFs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(ctx, ro)
		},
	}

	root.Flags().StringVar(&ro.Unpaywall, "unpaywall", "", "Path to the Unpaywall dataset (gzipped line-delimited JSON)")
	root.Flags().StringVar(&ro.PMC, "pmc", "", "Path to the PMC file list, as available on NIH's site")
	root.Flags().StringVar(&ro.Increment, "increment", "", "Augment an existing harvest with an additional Unpaywall dataset")
	root.Flags().BoolVar(&ro.Reprocess, "reprocess", false, "Retry failed entries recorded in the fail log")
	root.Flags().BoolVar(&ro.Reset, "reset", false, "Delete all harvest state and scratch artifacts before continuing")
	root.Flags().StringVar(&ro.Config, "config", "./config.json", "Path to the config file")
	root.Flags().StringVar(&ro.Dump, "dump", "", "After all other actions, export entries as JSON-per-line to this file")
	root.Flags().BoolVar(&ro.Thumbnail, "thumbnail", false, "Generate front-page thumbnails for each PDF")
	root.Flags().IntVar(&ro.Sample, "sample", 0, "Harvest only a random sample of the indicated size")
	root.Flags().IntVar(&ro.Workers, "workers", 0, "Download parallelism (overrides the config file)")
	root.Flags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (no progress bar, warnings only)")
	root.Flags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")

	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newConfigCmd())
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func run(ctx context.Context, ro *RootOpts) error {
	setupLogging(ro)

	if err := validateModes(ro); err != nil {
		return err
	}

	cfg, err := harvester.LoadConfig(ro.Config)
	if err != nil {
		return err
	}
	if ro.Workers > 0 {
		cfg.Workers = ro.Workers
	}

	progress, closeProgress := newProgressRenderer(ro.Quiet)
	defer closeProgress()

	h, err := harvester.New(ctx, cfg, harvester.Options{
		Thumbnail: ro.Thumbnail,
		Sample:    ro.Sample,
		Progress:  progress,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	if ro.Reset {
		if err := h.Reset(); err != nil {
			return err
		}
	}

	start := time.Now()
	unpaywall := ro.Unpaywall
	if unpaywall == "" {
		unpaywall = ro.Increment
	}

	ran := false
	switch {
	case ro.Reprocess:
		_, err = h.Reprocess(ctx)
		ran = true
	case unpaywall != "":
		_, err = h.HarvestUnpaywall(ctx, unpaywall)
		ran = true
	case ro.PMC != "":
		_, err = h.HarvestPMC(ctx, ro.PMC)
		ran = true
	}
	if err != nil {
		return err
	}

	if ran {
		closeProgress()
		fails, total, err := h.Diagnostic()
		if err != nil {
			return err
		}
		fmt.Printf("failed entries with OA link: %d out of %d entries\n", fails, total)
		fmt.Printf("runtime: %.3f seconds\n", time.Since(start).Seconds())
	}

	if ro.Dump != "" {
		if err := h.Dump(ro.Dump); err != nil {
			return err
		}
		fmt.Printf("entries dumped to %s\n", ro.Dump)
	}
	return nil
}

func validateModes(ro *RootOpts) error {
	modes := 0
	for _, active := range []bool{ro.Reprocess, ro.Unpaywall != "", ro.PMC != "", ro.Increment != ""} {
		if active {
			modes++
		}
	}
	if modes > 1 {
		return errors.New("choose one of --unpaywall, --pmc, --increment or --reprocess")
	}
	if modes == 0 && !ro.Reset && ro.Dump == "" {
		return errors.New("nothing to do: pass --unpaywall, --pmc, --increment, --reprocess, --reset or --dump")
	}
	return nil
}

func setupLogging(ro *RootOpts) {
	log.SetOutput(os.Stderr)
	switch {
	case ro.Verbose:
		log.SetLevel(log.DebugLevel)
	case ro.Quiet:
		log.SetLevel(log.WarnLevel)
	default:
		// Per-entry Info logs and the progress bar would fight over the
		// terminal, so the bar owns it.
		log.SetLevel(log.WarnLevel)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
