// node.go - Quietpost node.
// Copyright (C) 2026  The Quietpost Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package node composes the store, transport and sync engine into a running
// quietpost node.
package node

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/quietpost/quietpost/config"
	"github.com/quietpost/quietpost/core/log"
	"github.com/quietpost/quietpost/engine"
	"github.com/quietpost/quietpost/identity"
	"github.com/quietpost/quietpost/resource"
	"github.com/quietpost/quietpost/store"
	"github.com/quietpost/quietpost/transport"
	"github.com/quietpost/quietpost/transport/quictun"
)

const (
	storeFile    = "store.db"
	resourcesDir = "resources"
)

// Node is a quietpost node instance.
type Node struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	identity  *identity.Identity
	store     *store.Store
	resources *resource.Store
	listener  net.Listener
	server    *transport.Server
	engine    *engine.Engine

	metricsListener net.Listener

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (n *Node) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := n.cfg.Node.DataDir

	fi, err := os.Lstat(d)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fmt.Errorf("node: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("node: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	case os.IsNotExist(err):
		if err := os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("node: failed to create DataDir: %v", err)
		}
	default:
		return fmt.Errorf("node: failed to stat() DataDir: %v", err)
	}
	return nil
}

func (n *Node) initLogging() error {
	f := n.cfg.Logging.File
	if !n.cfg.Logging.Disable && f != "" {
		if !filepath.IsAbs(f) {
			f = filepath.Join(n.cfg.Node.DataDir, f)
		}
	}
	var err error
	n.logBackend, err = log.New(f, n.cfg.Logging.Level, n.cfg.Logging.Disable)
	if err == nil {
		n.log = n.logBackend.GetLogger("node")
	}
	return err
}

func (n *Node) initListener() error {
	var err error
	switch n.cfg.Node.Transport {
	case config.TransportQUIC:
		n.listener, err = quictun.Listen(n.cfg.Node.BindAddress)
	default:
		n.listener, err = net.Listen("tcp", n.cfg.Node.BindAddress)
	}
	return err
}

func (n *Node) initIdentity() error {
	hidden := n.cfg.Node.HiddenAddress
	if hidden == "" {
		hidden = n.listener.Addr().String()
	}
	id, err := identity.Load(n.cfg.Node.DataDir)
	switch {
	case err == nil:
		n.identity = id
		return nil
	case os.IsNotExist(err):
	default:
		return err
	}
	id, err = identity.New(n.cfg.Node.Nickname, hidden)
	if err != nil {
		return err
	}
	if err := id.Save(n.cfg.Node.DataDir); err != nil {
		return err
	}
	n.identity = id
	n.log.Noticef("generated new identity: %v", id.Public.ID())
	return nil
}

func (n *Node) initMetrics() error {
	if n.cfg.Node.MetricsAddress == "" {
		return nil
	}
	var err error
	n.metricsListener, err = net.Listen("tcp", n.cfg.Node.MetricsAddress)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:  mux,
		ErrorLog: n.logBackend.GetGoLogger("node/metrics", "DEBUG"),
	}
	go func() {
		if err := srv.Serve(n.metricsListener); err != nil && err != http.ErrServerClosed && !errors.Is(err, net.ErrClosed) {
			n.log.Errorf("metrics listener failure: %v", err)
		}
	}()
	n.log.Noticef("metrics exposed on %v", n.metricsListener.Addr())
	return nil
}

// New instantiates a new node from the provided config.
func New(cfg *config.Config) (*Node, error) {
	n := &Node{
		cfg:        cfg,
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}

	if err := n.initDataDir(); err != nil {
		return nil, err
	}
	if err := n.initLogging(); err != nil {
		return nil, err
	}

	n.log.Notice("quietpost node starting up")

	isOk := false
	defer func() {
		if !isOk {
			n.Shutdown()
		}
	}()

	// Something failed hard in a background worker, tear the node down.
	go func() {
		err, ok := <-n.fatalErrCh
		if !ok {
			return
		}
		n.log.Errorf("shutting down due to error: %v", err)
		n.Shutdown()
	}()

	if err := n.initListener(); err != nil {
		return nil, err
	}
	if err := n.initIdentity(); err != nil {
		return nil, err
	}

	var err error
	if n.store, err = store.Open(filepath.Join(cfg.Node.DataDir, storeFile), n.logBackend); err != nil {
		return nil, err
	}
	if n.resources, err = resource.New(filepath.Join(cfg.Node.DataDir, resourcesDir), n.logBackend); err != nil {
		return nil, err
	}

	var dialer transport.Dialer
	switch cfg.Node.Transport {
	case config.TransportQUIC:
		dialer = &quictun.Dialer{}
	default:
		dialer = &transport.TCPDialer{Timeout: cfg.Sync.RequestTimeoutDuration()}
	}

	records := &transferRecorder{n: n}
	if n.engine, err = engine.New(&engine.Config{
		Store:          n.store,
		Resources:      n.resources,
		Identity:       n.identity,
		Dialer:         dialer,
		Records:        records,
		LogBackend:     n.logBackend,
		Interval:       cfg.Sync.IntervalDuration(),
		RequestTimeout: cfg.Sync.RequestTimeoutDuration(),
		NumWorkers:     cfg.Sync.NumExchangeWorkers,
	}); err != nil {
		return nil, err
	}

	if n.server, err = transport.NewServer(&transport.ServerConfig{
		Identity:      n.identity,
		Authenticator: &storeAuthenticator{s: n.store},
		Handler:       &serviceHandler{n: n},
		Records:       records,
		Listener:      n.listener,
		LogBackend:    n.logBackend,
		ReadTimeout:   cfg.Sync.ReadTimeoutDuration(),
		MaxBodySize:   cfg.Sync.MaxBodySize,
		MaxConns:      cfg.Sync.MaxConns,
	}); err != nil {
		return nil, err
	}

	if err := n.initMetrics(); err != nil {
		return nil, err
	}

	n.log.Noticef("listening on %v as %v", n.listener.Addr(), n.identity.Public.ID())
	isOk = true
	return n, nil
}

// Shutdown cleanly shuts down the node.
func (n *Node) Shutdown() {
	n.haltOnce.Do(func() { n.halt() })
}

// Wait waits until the node has been cleanly shut down.
func (n *Node) Wait() {
	<-n.haltedCh
}

func (n *Node) halt() {
	n.log.Notice("starting graceful shutdown")

	if n.engine != nil {
		n.engine.Halt()
		n.engine = nil
	}
	if n.server != nil {
		n.server.Halt()
		n.server = nil
		n.listener = nil
	} else if n.listener != nil {
		n.listener.Close()
		n.listener = nil
	}
	if n.metricsListener != nil {
		n.metricsListener.Close()
		n.metricsListener = nil
	}
	if n.store != nil {
		n.store.Close()
		n.store = nil
	}
	close(n.fatalErrCh)

	n.log.Notice("shutdown complete")
	close(n.haltedCh)
}

// RotateLog rotates the log file, if logging to a file is enabled.
func (n *Node) RotateLog() {
	if err := n.logBackend.Rotate(); err != nil {
		n.fatalErrCh <- fmt.Errorf("node: failed to rotate log file: %v", err)
	}
}

// ListenerAddr returns the bound transport listener address.
func (n *Node) ListenerAddr() net.Addr {
	return n.listener.Addr()
}

// transferRecorder accounts transport bytes against the friend record.
type transferRecorder struct {
	n *Node
}

func (r *transferRecorder) RecordTransfer(peerID string, sent, received uint64) {
	if err := r.n.store.AddTransfer(peerID, sent, received); err != nil {
		r.n.log.Errorf("failed to record transfer for %s: %v", peerID, err)
	}
}

// storeAuthenticator adapts the store's pinned certificate index to the
// transport allowlist interface.
type storeAuthenticator struct {
	s *store.Store
}

func (a *storeAuthenticator) ByCertificate(der []byte) (string, bool) {
	return a.s.FriendIDByCertificate(der)
}
