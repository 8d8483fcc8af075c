// client.go - Authenticated transport client.
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
	"bytes"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/quietpost/quietpost/core/log"
	"github.com/quietpost/quietpost/identity"
	"github.com/quietpost/quietpost/wire"
)

// ClientConfig is the per-friend transport client configuration.
type ClientConfig struct {
	// Identity is the local node identity presented during the TLS
	// handshake.
	Identity *identity.Identity

	// Peer is the friend this client talks to.  Its certificate is
	// pinned; anything else presented by the remote side aborts the
	// handshake.
	Peer *identity.PublicIdentity

	// Dialer supplies sockets to the peer's hidden address.
	Dialer Dialer

	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// Records, if not nil, accumulates per-friend transfer counters.
	Records TransferRecorder

	// RequestTimeout bounds a whole exchange, including reading a
	// streamed response.  Exceeding it is a retryable transport failure.
	RequestTimeout time.Duration
}

func (cfg *ClientConfig) validate() error {
	if cfg.Identity == nil {
		return errors.New("transport: client config missing Identity")
	}
	if cfg.Peer == nil {
		return errors.New("transport: client config missing Peer")
	}
	if cfg.Dialer == nil {
		return errors.New("transport: client config missing Dialer")
	}
	if cfg.LogBackend == nil {
		return errors.New("transport: client config missing LogBackend")
	}
	return nil
}

// Client is the client half of the authenticated transport, bound to a
// single friend.
type Client struct {
	cfg    *ClientConfig
	log    *logging.Logger
	http   *http.Client
	peerID string
	host   string
}

// NewClient creates a transport client for one friend.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	pin := make([]byte, len(cfg.Peer.CertificateDER))
	copy(pin, cfg.Peer.CertificateDER)

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cfg.Identity.TLSCertificate()},
		MinVersion:   tls.VersionTLS13,
		// Chain verification is meaningless for self-signed friend
		// certificates; the exact pinned certificate is required
		// instead.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || subtle.ConstantTimeCompare(rawCerts[0], pin) != 1 {
				return errors.New("transport: peer presented an unpinned certificate")
			}
			return nil
		},
	}

	c := &Client{
		cfg:    cfg,
		log:    cfg.LogBackend.GetLogger("transport/client"),
		peerID: cfg.Peer.ID(),
	}
	c.host = c.peerID[:16]

	dialTLS := func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := cfg.Dialer.DialContext(ctx, cfg.Peer.HiddenAddress)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	c.http = &http.Client{
		Transport: &http.Transport{DialTLSContext: dialTLS},
		Timeout:   cfg.RequestTimeout,
	}
	return c, nil
}

// PeerID returns the friend id this client is bound to.
func (c *Client) PeerID() string {
	return c.peerID
}

func (c *Client) url(path string) string {
	return "https://" + c.host + path
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := statusToError(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func statusToError(code int) error {
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusBadRequest:
		return ErrProtocol
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrTransport, code)
	}
}

func (c *Client) signal(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// AskPull signals the peer to pull from us.
func (c *Client) AskPull(ctx context.Context) error {
	return c.signal(ctx, AskPullPath)
}

// AskLocation signals the peer that its location is wanted.
func (c *Client) AskLocation(ctx context.Context) error {
	return c.signal(ctx, AskLocationPath)
}

// Push delivers a batch of changed objects and returns the peer's resulting
// view of our state.
func (c *Client) Push(ctx context.Context, batch *wire.Batch) (*wire.PushAck, error) {
	body, err := batch.Marshal()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(PushPath), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/cbor")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	c.record(uint64(len(body)), uint64(len(raw)))
	ack := new(wire.PushAck)
	if err := ack.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: malformed push ack: %v", ErrTransport, err)
	}
	return ack, nil
}

// PullStream is a streamed pull response.  Entries may be applied as they
// are decoded; a stream cut short loses only the unsent suffix.
type PullStream struct {
	c    *Client
	body io.ReadCloser
	cr   *countingReader
	dec  *wire.EntryDecoder
	sent uint64
}

// Next returns the next entry, io.EOF at the end of a complete stream, or a
// transport failure when the stream was cut short.
func (ps *PullStream) Next() (*wire.Entry, error) {
	entry, err := ps.dec.Next()
	if err == nil || err == io.EOF {
		return entry, err
	}
	return nil, fmt.Errorf("%w: pull stream cut short: %v", ErrTransport, err)
}

// Close releases the stream and records the transfer counters.
func (ps *PullStream) Close() error {
	ps.c.record(ps.sent, ps.cr.n)
	return ps.body.Close()
}

// Pull requests entries newer than the asserted query state.
func (c *Client) Pull(ctx context.Context, query *wire.PullQuery) (*PullStream, error) {
	body, err := query.Marshal()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(PullPath), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/cbor")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	cr := &countingReader{r: resp.Body}
	return &PullStream{
		c:    c,
		body: resp.Body,
		cr:   cr,
		dec:  wire.NewEntryDecoder(cr),
		sent: uint64(len(body)),
	}, nil
}

// DownloadStream is a streamed resource body.
type DownloadStream struct {
	c    *Client
	body io.ReadCloser
	cr   *countingReader
}

// Read implements io.Reader.
func (ds *DownloadStream) Read(p []byte) (int, error) {
	return ds.cr.Read(p)
}

// Close releases the stream and records the transfer counters.
func (ds *DownloadStream) Close() error {
	ds.c.record(0, ds.cr.n)
	return ds.body.Close()
}

// Download fetches an inclusive byte range of a resource.  end < 0 means
// "to the end"; start 0 with end < 0 fetches the full content.
// ErrUnavailable is the distinct retryable "not present yet" outcome.
func (c *Client) Download(ctx context.Context, resourceID string, start, end int64) (io.ReadCloser, error) {
	u := c.url(DownloadPath) + "?" + ResourceIDParam + "=" + url.QueryEscape(resourceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if start > 0 || end >= 0 {
		if end >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return &DownloadStream{c: c, body: resp.Body, cr: &countingReader{r: resp.Body}}, nil
}

func (c *Client) record(sent, received uint64) {
	if c.cfg.Records != nil {
		c.cfg.Records.RecordTransfer(c.peerID, sent, received)
	}
}
