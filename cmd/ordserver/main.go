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

// Command ordserver is the standalone ordering server binary: a thin
// wrapper that binds ORDSERV_PORT and runs ordserver.Server until signaled.
// Rounds themselves are started by whatever drives the federation under
// test (the perturbation harness, via RunRound) - this binary only owns
// the listening socket and process lifecycle.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lf-rti-testbed/ordserv/internal/xflag"
	"github.com/lf-rti-testbed/ordserv/ordserver"
)

func main() {
	var verbosity xflag.Count
	if v := os.Getenv("ORDSERV_VERBOSE"); v != "" {
		verbosity.Set(v)
	}

	cfg := zap.NewProductionConfig()
	if verbosity > 0 {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("ordserver failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	port := os.Getenv("ORDSERV_PORT")
	if port == "" {
		return errors.New("ordserver: ORDSERV_PORT is required")
	}

	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return errors.Wrap(err, "ordserver: listen")
	}

	srv := ordserver.New(ln, ordserver.WithLogger(log))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Info("ordserver listening", zap.String("addr", ln.Addr().String()))
	return srv.Serve(ctx)
}
