// transport.go - Authenticated transport interfaces and error taxonomy.
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

// Package transport provides the mutually authenticated request/response
// channel between friends, carried over sockets supplied by the external
// hidden-transport collaborator.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// Request paths.  Dispatch is fixed method+path to exactly one handler.
const (
	AskPullPath     = "/ask-pull"
	AskLocationPath = "/ask-location"
	PushPath        = "/push"
	PullPath        = "/pull"
	DownloadPath    = "/download"

	// ResourceIDParam is the download query parameter naming the resource.
	ResourceIDParam = "resourceId"
)

var (
	// ErrTransport is the retryable failure class: connect, handshake,
	// timeout and framing failures.  The next scheduled tick retries.
	ErrTransport = errors.New("transport: exchange failed")

	// ErrForbidden is returned when the remote side rejected us.  The
	// outcome is deliberately generic: a non-allowlisted certificate and
	// an unknown path are indistinguishable.
	ErrForbidden = errors.New("transport: forbidden")

	// ErrProtocol is the permanent per-request failure class: malformed
	// body, oversized content, bad range syntax.
	ErrProtocol = errors.New("transport: protocol error")

	// ErrUnavailable is the distinct, non-error outcome of a download
	// whose target is not present yet.  Retry later.
	ErrUnavailable = errors.New("transport: resource unavailable")
)

// Dialer supplies sockets to a peer's hidden address.  It is the
// client-side boundary to the hidden-transport collaborator.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer is a plain TCP Dialer, used for loopback operation and tests;
// deployments normally install the hidden-transport collaborator's dialer
// instead.
type TCPDialer struct {
	Timeout time.Duration
}

// DialContext implements Dialer.
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", address)
}

// Authenticator is the pinned peer-certificate allowlist.
type Authenticator interface {
	// ByCertificate returns the friend id owning the exact presented
	// certificate, or false when the certificate is not allowlisted.
	ByCertificate(der []byte) (peerID string, ok bool)
}

// TransferRecorder accumulates per-friend transfer counters.
type TransferRecorder interface {
	RecordTransfer(peerID string, sent, received uint64)
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}
