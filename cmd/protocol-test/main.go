// Copyright (C) 2017-2021  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Command protocol-test is the perturbation harness's command-line front
// end: a thin wrapper translating flags into a pipeline.Config and
// delegating everything else to the pipeline package. Per spec.md §1/§6
// the CLI surface itself, and the invocation of the external compiler it
// shells out to, are external collaborators - this file's job is to wire
// them up, not to reimplement the state machine.
package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lf-rti-testbed/ordserv/internal/xflag"
	"github.com/lf-rti-testbed/ordserv/pipeline"
)

func main() {
	bootLog, _ := zap.NewProduction()
	defer bootLog.Sync()

	var verbosity xflag.Count

	app := &cli.App{
		Name:      "protocol-test",
		Usage:     "run the perturbation harness over a tree of federate test sources",
		ArgsUsage: "<src_dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "scratch-dir", Value: ".protocol-test", Usage: "checkpoint and probe scratch directory"},
			&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "number of concurrent compile/probe/accumulate workers"},
			&cli.Int64Flag{Name: "max-wallclock-overhead-ms", Value: 60000, Usage: "wallclock budget per accumulation burst, in milliseconds"},
			&cli.BoolFlag{Name: "once", Usage: "run a single accumulation burst and exit"},
			&cli.Int64Flag{Name: "initial-save-interval-seconds", Value: 30, Usage: "unused placeholder for a future incremental-save policy (bursts always checkpoint on return)"},
			&cli.StringFlag{Name: "build-cmd", Value: "", Usage: "shell command invoked as '<build-cmd> <src> <out>' to compile one test source into an executable; required"},
			&cli.StringFlag{Name: "trace-to-csv", Value: "trace_to_csv", Usage: "external trace_to_csv tool invoked by the probe/accumulation runner"},
			&cli.UintFlag{Name: "probe-max-attempts", Value: 3, Usage: "retry budget for the probe step"},
			&cli.StringFlag{Name: "source-ext", Value: ".lf", Usage: "file extension identifying a test source under src_dir"},
			&cli.DurationFlag{Name: "min-delay", Value: 0, Usage: "minimum per-invocation injected delay"},
			&cli.DurationFlag{Name: "max-delay", Value: 50 * time.Millisecond, Usage: "maximum per-invocation injected delay"},
			&cli.GenericFlag{Name: "verbose", Aliases: []string{"v"}, Value: &verbosity, Usage: "increase log verbosity (repeatable, e.g. -vv)"},
		},
		Action: run(&verbosity),
	}

	if err := app.Run(os.Args); err != nil {
		bootLog.Fatal("protocol-test failed", zap.Error(err))
	}
}

// loggerAt builds a zap.Logger whose level drops by one per -v: the default
// (count 0) is Info, count 1 is Debug, count 2+ still Debug (zap has
// nothing more verbose to offer).
func loggerAt(count xflag.Count) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if count > 0 {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func run(verbosity *xflag.Count) cli.ActionFunc {
	return func(c *cli.Context) error {
		log, err := loggerAt(*verbosity)
		if err != nil {
			return errors.Wrap(err, "protocol-test: build logger")
		}
		defer log.Sync()

		if c.Args().Len() != 1 {
			return errors.New("protocol-test: exactly one <src_dir> argument is required")
		}
		srcDir := c.Args().Get(0)

		buildCmd := c.String("build-cmd")
		if buildCmd == "" {
			return errors.New("protocol-test: --build-cmd is required")
		}
		ext := c.String("source-ext")

		cfg := pipeline.Config{
			SrcDir:               srcDir,
			ScratchDir:           c.String("scratch-dir"),
			Concurrency:          c.Int("concurrency"),
			MaxWallclockOverhead: time.Duration(c.Int64("max-wallclock-overhead-ms")) * time.Millisecond,
			Once:                 c.Bool("once"),
			InitialSaveInterval:  time.Duration(c.Int64("initial-save-interval-seconds")) * time.Second,
			TraceToCSV:           c.String("trace-to-csv"),
			ProbeMaxAttempts:     c.Uint("probe-max-attempts"),
			DelayParams: pipeline.DelayParams{
				MinDelay: c.Duration("min-delay"),
				MaxDelay: c.Duration("max-delay"),
			},
			IsTestSource: func(path string) bool {
				return strings.EqualFold(filepath.Ext(path), ext)
			},
			Build: shellCompiler(buildCmd),
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		p, err := pipeline.Open(cfg, log)
		if err != nil {
			return err
		}
		defer p.Close()

		return p.RunUntilBudgetExceeded(ctx)
	}
}

// shellCompiler adapts a configured "<build-cmd> <src> <out>" shell template
// into a pipeline.Compiler: the external compiler invocation itself is out
// of scope per spec.md §1, so this is deliberately the thinnest possible
// wrapper, not a build system.
func shellCompiler(buildCmd string) pipeline.Compiler {
	return func(ctx context.Context, srcDir, relPath string) (string, error) {
		src := filepath.Join(srcDir, relPath)
		out := src + ".out"
		cmd := exec.CommandContext(ctx, "sh", "-c", buildCmd+" \"$1\" \"$2\"", "--", src, out)
		cmd.Dir = srcDir
		if output, err := cmd.CombinedOutput(); err != nil {
			return "", errors.Wrapf(err, "protocol-test: build %s failed: %s", relPath, output)
		}
		return out, nil
	}
}
