// server.go - Authenticated transport server.
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

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/netutil"
	"gopkg.in/op/go-logging.v1"

	"github.com/quietpost/quietpost/core/log"
	"github.com/quietpost/quietpost/core/worker"
	"github.com/quietpost/quietpost/identity"
	"github.com/quietpost/quietpost/wire"
)

// Handler services authenticated requests.  Every method is invoked only
// after the caller's certificate passed the allowlist.
type Handler interface {
	// HandleAskPull handles the empty-body "pull me" signal.
	HandleAskPull(peerID string) error

	// HandleAskLocation handles the empty-body location signal.
	HandleAskLocation(peerID string) error

	// HandlePush applies a pushed batch and returns the resulting view
	// of the pusher's state.
	HandlePush(peerID string, batch *wire.Batch) (*wire.PushAck, error)

	// HandlePull streams entries newer than the asserted query state.
	HandlePull(peerID string, query *wire.PullQuery, enc *wire.EntryEncoder) error

	// HandleDownload returns a reader over the requested byte range of a
	// resource.  ErrUnavailable means the resource is not present yet;
	// ErrProtocol means the range cannot be satisfied.
	HandleDownload(peerID, resourceID string, start, end int64) (io.ReadCloser, error)
}

// ServerConfig is the transport server configuration.
type ServerConfig struct {
	// Identity is the local node identity presented during the TLS
	// handshake.
	Identity *identity.Identity

	// Authenticator is the pinned certificate allowlist.
	Authenticator Authenticator

	// Handler services authenticated requests.
	Handler Handler

	// Records, if not nil, accumulates per-friend transfer counters.
	Records TransferRecorder

	// Listener is the externally supplied socket source: loopback TCP by
	// default, with external reachability mapped by the hidden-transport
	// collaborator.
	Listener net.Listener

	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// ReadTimeout bounds how long a silent peer may occupy a worker.
	ReadTimeout time.Duration

	// MaxBodySize is the request body limit, enforced before reading the
	// body into memory.
	MaxBodySize int64

	// MaxConns bounds concurrently serviced connections.
	MaxConns int
}

func (cfg *ServerConfig) validate() error {
	if cfg.Identity == nil {
		return errors.New("transport: server config missing Identity")
	}
	if cfg.Authenticator == nil {
		return errors.New("transport: server config missing Authenticator")
	}
	if cfg.Handler == nil {
		return errors.New("transport: server config missing Handler")
	}
	if cfg.Listener == nil {
		return errors.New("transport: server config missing Listener")
	}
	if cfg.LogBackend == nil {
		return errors.New("transport: server config missing LogBackend")
	}
	if cfg.MaxBodySize <= 0 {
		return errors.New("transport: server config missing MaxBodySize")
	}
	return nil
}

// Server is the server half of the authenticated transport.
type Server struct {
	worker.Worker

	cfg      *ServerConfig
	log      *logging.Logger
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer starts a transport server on the supplied listener.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg: cfg,
		log: cfg.LogBackend.GetLogger("transport/server"),
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cfg.Identity.TLSCertificate()},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
	}
	l := cfg.Listener
	if cfg.MaxConns > 0 {
		l = netutil.LimitListener(l, cfg.MaxConns)
	}
	s.listener = tls.NewListener(l, tlsCfg)

	s.httpSrv = &http.Server{
		Handler:           s,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       2 * cfg.ReadTimeout,
		ErrorLog:          cfg.LogBackend.GetGoLogger("transport/http", "DEBUG"),
	}

	s.Go(s.serve)
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.cfg.Listener.Addr()
}

func (s *Server) serve() {
	if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		s.log.Errorf("Serve terminated: %v", err)
	}
}

// Halt stops the server, draining in-flight requests briefly before
// force-closing lingering streams.
func (s *Server) Halt() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.httpSrv.Close()
	}
	s.Worker.Halt()
}

// ServeHTTP dispatches an authenticated request.  A non-allowlisted
// certificate and an unknown path/method produce the identical generic
// forbidden outcome.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peerID, ok := s.authenticate(r)
	if !ok {
		s.log.Debugf("rejecting request from non-allowlisted certificate")
		forbidden(w)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == AskPullPath:
		s.serveSignal(w, peerID, s.cfg.Handler.HandleAskPull)
	case r.Method == http.MethodGet && r.URL.Path == AskLocationPath:
		s.serveSignal(w, peerID, s.cfg.Handler.HandleAskLocation)
	case r.Method == http.MethodPut && r.URL.Path == PushPath:
		s.servePush(w, r, peerID)
	case r.Method == http.MethodPut && r.URL.Path == PullPath:
		s.servePull(w, r, peerID)
	case r.Method == http.MethodGet && r.URL.Path == DownloadPath:
		s.serveDownload(w, r, peerID)
	default:
		s.log.Debugf("no handler for %s %s (peer %s)", r.Method, r.URL.Path, peerID)
		forbidden(w)
	}
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", false
	}
	return s.cfg.Authenticator.ByCertificate(r.TLS.PeerCertificates[0].Raw)
}

func (s *Server) serveSignal(w http.ResponseWriter, peerID string, handle func(string) error) {
	if err := handle(peerID); err != nil {
		s.log.Errorf("signal handler failed for peer %s: %v", peerID, err)
		internalError(w)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// readBody validates the declared content length before reading the body
// into memory.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	n := r.ContentLength
	if n < 0 || n > s.cfg.MaxBodySize {
		s.log.Debugf("rejecting request with content length %d", n)
		protocolError(w)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, n))
	if err != nil || int64(len(body)) != n {
		s.log.Debugf("failed to read request body: %v", err)
		protocolError(w)
		return nil, false
	}
	return body, true
}

func (s *Server) servePush(w http.ResponseWriter, r *http.Request, peerID string) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	batch := new(wire.Batch)
	if err := batch.Unmarshal(body); err != nil {
		s.log.Debugf("malformed push body from peer %s: %v", peerID, err)
		protocolError(w)
		return
	}
	ack, err := s.cfg.Handler.HandlePush(peerID, batch)
	switch {
	case err == nil:
	case errors.Is(err, ErrProtocol):
		s.log.Debugf("push from peer %s rejected: %v", peerID, err)
		protocolError(w)
		return
	default:
		s.log.Errorf("push handler failed for peer %s: %v", peerID, err)
		internalError(w)
		return
	}
	raw, err := ack.Marshal()
	if err != nil {
		s.log.Errorf("failed to serialize push ack: %v", err)
		internalError(w)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(raw)
	s.record(peerID, uint64(len(raw)), uint64(len(body)))
}

func (s *Server) servePull(w http.ResponseWriter, r *http.Request, peerID string) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	query := new(wire.PullQuery)
	if err := query.Unmarshal(body); err != nil {
		s.log.Debugf("malformed pull query from peer %s: %v", peerID, err)
		protocolError(w)
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	cw := &countingWriter{w: w}
	if err := s.cfg.Handler.HandlePull(peerID, query, wire.NewEntryEncoder(cw)); err != nil {
		// The status line is already on the wire; the stream simply
		// ends short and the peer applies the received prefix.
		s.log.Warningf("pull stream to peer %s cut short: %v", peerID, err)
	}
	s.record(peerID, cw.n, uint64(len(body)))
}

func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request, peerID string) {
	resourceID := r.URL.Query().Get(ResourceIDParam)
	if resourceID == "" {
		s.log.Debugf("download request missing resource id (peer %s)", peerID)
		protocolError(w)
		return
	}
	start, end, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		s.log.Debugf("malformed range header from peer %s", peerID)
		protocolError(w)
		return
	}

	rc, err := s.cfg.Handler.HandleDownload(peerID, resourceID, start, end)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnavailable):
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	case errors.Is(err, ErrProtocol):
		protocolError(w)
		return
	default:
		s.log.Errorf("download handler failed for peer %s: %v", peerID, err)
		internalError(w)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	cw := &countingWriter{w: w}
	if _, err := io.Copy(cw, rc); err != nil {
		s.log.Warningf("download stream to peer %s cut short: %v", peerID, err)
	}
	s.record(peerID, cw.n, 0)
}

func (s *Server) record(peerID string, sent, received uint64) {
	if s.cfg.Records != nil {
		s.cfg.Records.RecordTransfer(peerID, sent, received)
	}
}

// parseRange parses an inclusive "bytes=<start>-[<end>]" header.  An empty
// header means the full content; anything else that does not strictly parse
// is a protocol error, never served as full content.
func parseRange(h string) (int64, int64, error) {
	if h == "" {
		return 0, -1, nil
	}
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("%w: bad range unit", ErrProtocol)
	}
	first, rest, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: bad range syntax", ErrProtocol)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("%w: bad range start", ErrProtocol)
	}
	if rest == "" {
		return start, -1, nil
	}
	end, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("%w: bad range end", ErrProtocol)
	}
	return start, end, nil
}

func forbidden(w http.ResponseWriter) {
	w.WriteHeader(http.StatusForbidden)
}

func protocolError(w http.ResponseWriter) {
	w.WriteHeader(http.StatusBadRequest)
}

func internalError(w http.ResponseWriter) {
	w.WriteHeader(http.StatusInternalServerError)
}
