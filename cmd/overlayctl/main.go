// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command overlayctl runs overlay admission and index operations from the
// command line against a configured index backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/lookup/kvstore"
	"github.com/utxoverlay/overlayd/lookup/mongostore"
	"github.com/utxoverlay/overlayd/lookup/sqlstore"
	"github.com/utxoverlay/overlayd/overlay"
	"github.com/utxoverlay/overlayd/protocols"
)

func main() {
	// Work around defer not working after os.Exit.
	if err := overlayctlMain(); err != nil {
		os.Exit(1)
	}
}

// overlayctlMain is a work-around main function that is required since
// deferred functions (such as log rotator shutdown) are not called with
// calls to os.Exit.
func overlayctlMain() error {
	cfg, cmd, err := loadConfig()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	ctx, cancel := interruptContext()
	defer cancel()

	if err := cmd.run(ctx, cfg); err != nil {
		log.Errorf("%v", err)
		return err
	}
	return nil
}

// selectedProtocols resolves the protocols named with --protocol.
func (cfg *config) selectedProtocols() ([]*protocols.Protocol, error) {
	ps := make([]*protocols.Protocol, 0, len(cfg.Protocols))
	for _, name := range cfg.Protocols {
		p, err := protocols.ByName(name)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, nil
}

// openBackend opens the configured index backend.
func openBackend(ctx context.Context, cfg *config) (lookup.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return lookup.NewMemoryBackend(), nil

	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, err
		}
		return kvstore.Open(cfg.DBPath.Value, kvstore.DefaultDBTimeout)

	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, err
		}
		return sqlstore.Open(ctx, sqlstore.SQLite, cfg.DBPath.Value)

	case "postgres":
		return sqlstore.Open(ctx, sqlstore.Postgres, cfg.DSN)

	case "mongo":
		return mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// newNode opens backend, or the configured one when nil, and wires the
// selected protocols to it.  Metrics are served while the node is open when
// a metrics address is configured.  The returned function closes the node.
func newNode(ctx context.Context, cfg *config,
	backend lookup.Backend) (*overlay.Node, func(), error) {

	ps, err := cfg.selectedProtocols()
	if err != nil {
		return nil, nil, err
	}

	if backend == nil {
		backend, err = openBackend(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s backend: %w",
				cfg.Backend, err)
		}
	}

	reg := prometheus.NewRegistry()
	node, err := overlay.New(overlay.Config{
		Backend:    backend,
		Protocols:  ps,
		Registerer: reg,
		Clock:      clock.NewDefaultClock(),
	})
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}

	var server *http.Server
	if cfg.MetricsListen != "" {
		server = &http.Server{
			Addr:    cfg.MetricsListen,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			log.Infof("Metrics server listening on %s",
				cfg.MetricsListen)
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics server: %v", err)
			}
		}()
	}

	closeNode := func() {
		if server != nil {
			_ = server.Close()
		}
		if err := node.Close(); err != nil {
			log.Errorf("Unable to close index: %v", err)
		}
	}
	return node, closeNode, nil
}
