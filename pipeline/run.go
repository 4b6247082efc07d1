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

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config collects every flag cmd/protocol-test accepts, decoupling the CLI
// surface (out of scope per spec.md §1/§6) from the state machine itself.
type Config struct {
	SrcDir               string
	ScratchDir           string
	Concurrency          int
	MaxWallclockOverhead time.Duration
	Once                 bool
	InitialSaveInterval  time.Duration
	TraceToCSV           string
	ProbeMaxAttempts     uint
	DelayParams          DelayParams
	IsTestSource         func(path string) bool
	Build                Compiler
}

// Pipeline is the live, in-memory state of one protocol-test run: whichever
// of Initial/Compiled/KnownCounts/AccumulatingTraces has been reached so
// far, plus the catalog used to select and persist checkpoints.
type Pipeline struct {
	cfg     Config
	catalog *Catalog
	log     *zap.Logger

	initial      *Initial
	compiled     *Compiled
	known        *KnownCounts
	accumulating *AccumulatingTraces
}

// Open resumes a pipeline from the most advanced checkpoint whose commit
// hash matches the source tree's current commit, or starts fresh at Initial
// if none matches (including when the catalog is empty or the selected
// checkpoint fails to decode - per spec, a serialization error on load is
// treated as "no usable checkpoint", not a fatal error).
func Open(cfg Config, log *zap.Logger) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "pipeline: create scratch dir")
	}

	catalog, err := OpenCatalog(cfg.ScratchDir)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg, catalog: catalog, log: log}

	commit, err := GitCommitHash(cfg.SrcDir)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	entry, ok, err := catalog.NewestMatching(commit)
	if err != nil {
		catalog.Close()
		return nil, err
	}
	if !ok {
		log.Info("no matching checkpoint, starting fresh", zap.String("commit", commit.String()))
		return p, nil
	}

	if err := p.loadCheckpointInto(entry); err != nil {
		log.Warn("checkpoint failed to decode, starting fresh", zap.String("path", entry.Path), zap.Error(err))
		return p, nil
	}
	log.Info("resumed from checkpoint", zap.String("phase", string(entry.Phase)),
		zap.String("path", entry.Path), zap.String("run_count", runCountLabel(entry.RunCount)))
	return p, nil
}

func (p *Pipeline) loadCheckpointInto(entry CatalogEntry) error {
	switch entry.Phase {
	case PhaseInitial:
		var st Initial
		if err := LoadCheckpoint(entry.Path, &st); err != nil {
			return err
		}
		p.initial = &st
	case PhaseCompiled:
		var st Compiled
		if err := LoadCheckpoint(entry.Path, &st); err != nil {
			return err
		}
		p.compiled = &st
	case PhaseKnownCounts:
		var st KnownCounts
		if err := LoadCheckpoint(entry.Path, &st); err != nil {
			return err
		}
		p.known = &st
	case PhaseAccumulatingTraces:
		var st AccumulatingTraces
		if err := LoadCheckpoint(entry.Path, &st); err != nil {
			return err
		}
		st.ScratchRoot = p.cfg.ScratchDir
		st.TraceToCSV = p.cfg.TraceToCSV
		p.accumulating = &st
	default:
		return errors.Errorf("pipeline: unknown checkpoint phase %q", entry.Phase)
	}
	return nil
}

// Close closes the pipeline's catalog connection.
func (p *Pipeline) Close() error {
	return p.catalog.Close()
}

// Advance drives the pipeline from wherever it currently is all the way to
// AccumulatingTraces, saving a checkpoint after each transition it actually
// performs (a transition already satisfied by a loaded checkpoint is
// skipped).
func (p *Pipeline) Advance(ctx context.Context) error {
	if p.accumulating != nil {
		return nil
	}

	if p.known == nil {
		if p.compiled == nil {
			if p.initial == nil {
				initial, err := Discover(p.cfg.SrcDir, p.cfg.ScratchDir, p.cfg.DelayParams, p.cfg.IsTestSource)
				if err != nil {
					return err
				}
				p.initial = initial
				if err := p.checkpoint(PhaseInitial, initial.Commit, nil, initial); err != nil {
					return err
				}
			}

			compiled, err := Compile(ctx, *p.initial, p.cfg.Build, p.cfg.Concurrency, p.log)
			if err != nil {
				return err
			}
			p.compiled = compiled
			if err := p.checkpoint(PhaseCompiled, p.initial.Commit, nil, compiled); err != nil {
				return err
			}
		}

		known, err := Probe(ctx, *p.compiled, p.cfg.ScratchDir, p.cfg.TraceToCSV, p.cfg.ProbeMaxAttempts, p.cfg.Concurrency, p.log)
		if err != nil {
			return err
		}
		p.known = known
		if err := p.checkpoint(PhaseKnownCounts, p.compiled.Initial.Commit, nil, known); err != nil {
			return err
		}
	}

	p.accumulating = BeginAccumulation(*p.known, p.cfg.ScratchDir, p.cfg.TraceToCSV)
	return p.saveAccumulating()
}

// RunBurst runs one accumulation burst under cfg.MaxWallclockOverhead and
// saves a checkpoint afterwards, named with the new total run count.
func (p *Pipeline) RunBurst(ctx context.Context) (int, error) {
	if p.accumulating == nil {
		if err := p.Advance(ctx); err != nil {
			return 0, err
		}
	}

	n, err := p.accumulating.Accumulate(ctx, p.cfg.Concurrency, p.cfg.MaxWallclockOverhead, p.log)
	if err != nil {
		p.log.Warn("accumulation burst reported worker errors", zap.Error(err))
	}
	if saveErr := p.saveAccumulating(); saveErr != nil {
		return n, saveErr
	}
	return n, err
}

// RunUntilBudgetExceeded repeatedly calls RunBurst until ctx is done or,
// when cfg.Once is set, after exactly one burst.
func (p *Pipeline) RunUntilBudgetExceeded(ctx context.Context) error {
	for {
		if _, err := p.RunBurst(ctx); err != nil {
			return err
		}
		if p.cfg.Once {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (p *Pipeline) saveAccumulating() error {
	runCount := p.accumulating.RunCount()
	return p.checkpoint(PhaseAccumulatingTraces, p.accumulating.KnownCounts.Compiled.Initial.Commit, &runCount, p.accumulating)
}

func (p *Pipeline) checkpoint(phase Phase, commit CommitHash, runCount *int, state interface{}) error {
	name := CheckpointName(phase, commit, runCount)
	if err := SaveCheckpoint(p.cfg.ScratchDir, name, state); err != nil {
		return err
	}
	if err := p.catalog.Record(filepath.Join(p.cfg.ScratchDir, name), phase, commit, runCount, time.Now().Unix()); err != nil {
		return err
	}
	p.log.Info("wrote checkpoint", zap.String("phase", string(phase)), zap.String("name", name))
	return nil
}

// Accumulating exposes the current AccumulatingTraces state, or nil before
// the pipeline has advanced that far.
func (p *Pipeline) Accumulating() *AccumulatingTraces {
	return p.accumulating
}
