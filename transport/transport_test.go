// transport_test.go - Authenticated transport tests.
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
	"crypto/rand"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietpost/quietpost/core/log"
	"github.com/quietpost/quietpost/identity"
	"github.com/quietpost/quietpost/store"
	"github.com/quietpost/quietpost/wire"
)

type testAuth struct {
	ids map[string]string
}

func (a *testAuth) ByCertificate(der []byte) (string, bool) {
	id, ok := a.ids[string(der)]
	return id, ok
}

type testRecorder struct {
	mu       sync.Mutex
	sent     map[string]uint64
	received map[string]uint64
}

func newTestRecorder() *testRecorder {
	return &testRecorder{
		sent:     make(map[string]uint64),
		received: make(map[string]uint64),
	}
}

func (r *testRecorder) RecordTransfer(peerID string, sent, received uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[peerID] += sent
	r.received[peerID] += received
}

type testHandler struct {
	mu          sync.Mutex
	asks        []string
	lastBatch   *wire.Batch
	pullEntries []*wire.Entry
	resources   map[string][]byte
}

func (h *testHandler) HandleAskPull(peerID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.asks = append(h.asks, peerID)
	return nil
}

func (h *testHandler) HandleAskLocation(peerID string) error {
	return nil
}

func (h *testHandler) HandlePush(peerID string, batch *wire.Batch) (*wire.PushAck, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range batch.Entries {
		if err := batch.Entries[i].Validate(); err != nil {
			return nil, ErrProtocol
		}
	}
	h.lastBatch = batch
	return &wire.PushAck{Groups: map[string]wire.GroupState{
		"g1": {GroupSequenceNumber: 1, LastPostSequenceNumber: 2},
	}}, nil
}

func (h *testHandler) HandlePull(peerID string, query *wire.PullQuery, enc *wire.EntryEncoder) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.pullEntries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func (h *testHandler) HandleDownload(peerID, resourceID string, start, end int64) (io.ReadCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.resources[resourceID]
	if !ok {
		return nil, ErrUnavailable
	}
	if start >= int64(len(data)) {
		return nil, ErrProtocol
	}
	if end < 0 || end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	return io.NopCloser(bytes.NewReader(data[start : end+1])), nil
}

type testEnv struct {
	server   *Server
	handler  *testHandler
	recorder *testRecorder

	friend *identity.Identity
	eve    *identity.Identity

	friendClient *Client
	eveClient    *Client
}

func newTestEnv(t *testing.T, maxBodySize int64) *testEnv {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	serverID, err := identity.New("server", "")
	require.NoError(err)
	friendID, err := identity.New("friend", "")
	require.NoError(err)
	eveID, err := identity.New("eve", "")
	require.NoError(err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)

	env := &testEnv{
		handler:  &testHandler{resources: make(map[string][]byte)},
		recorder: newTestRecorder(),
		friend:   friendID,
		eve:      eveID,
	}
	env.server, err = NewServer(&ServerConfig{
		Identity: serverID,
		Authenticator: &testAuth{ids: map[string]string{
			string(friendID.Public.CertificateDER): friendID.Public.ID(),
		}},
		Handler:     env.handler,
		Records:     env.recorder,
		Listener:    l,
		LogBackend:  logBackend,
		ReadTimeout: 10 * time.Second,
		MaxBodySize: maxBodySize,
		MaxConns:    4,
	})
	require.NoError(err)
	t.Cleanup(env.server.Halt)

	peer := serverID.Public
	peer.HiddenAddress = l.Addr().String()

	env.friendClient, err = NewClient(&ClientConfig{
		Identity:       friendID,
		Peer:           &peer,
		Dialer:         &TCPDialer{Timeout: 10 * time.Second},
		LogBackend:     logBackend,
		RequestTimeout: 10 * time.Second,
	})
	require.NoError(err)
	env.eveClient, err = NewClient(&ClientConfig{
		Identity:       eveID,
		Peer:           &peer,
		Dialer:         &TCPDialer{Timeout: 10 * time.Second},
		LogBackend:     logBackend,
		RequestTimeout: 10 * time.Second,
	})
	require.NoError(err)
	return env
}

func TestSignalAndPush(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, 1<<20)
	ctx := context.Background()

	require.NoError(env.friendClient.AskPull(ctx))
	env.handler.mu.Lock()
	asks := append([]string(nil), env.handler.asks...)
	env.handler.mu.Unlock()
	require.Len(asks, 1)
	assert.Equal(env.friend.Public.ID(), asks[0])

	batch := &wire.Batch{Entries: []wire.Entry{
		{Group: &store.Group{ID: "g1", Name: "g", SequenceNumber: 1}},
		{Post: &store.Post{ID: "p1", GroupID: "g1", SequenceNumber: 2}},
	}}
	ack, err := env.friendClient.Push(ctx, batch)
	require.NoError(err)
	assert.Equal(int64(1), ack.Groups["g1"].GroupSequenceNumber)
	assert.Equal(int64(2), ack.Groups["g1"].LastPostSequenceNumber)

	env.handler.mu.Lock()
	require.NotNil(env.handler.lastBatch)
	assert.Len(env.handler.lastBatch.Entries, 2)
	env.handler.mu.Unlock()

	// Both sides account the exchanged bytes against the friend.
	env.recorder.mu.Lock()
	assert.NotZero(env.recorder.sent[env.friend.Public.ID()])
	assert.NotZero(env.recorder.received[env.friend.Public.ID()])
	env.recorder.mu.Unlock()
}

func TestPullStream(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, 1<<20)
	env.handler.pullEntries = []*wire.Entry{
		{Group: &store.Group{ID: "g1", SequenceNumber: 0}},
		{Post: &store.Post{ID: "p1", GroupID: "g1", SequenceNumber: 0}},
		{Post: &store.Post{ID: "p2", GroupID: "g1", SequenceNumber: 1}},
	}

	stream, err := env.friendClient.Pull(context.Background(), &wire.PullQuery{
		Groups: map[string]wire.GroupState{"g1": {
			GroupSequenceNumber:    store.UnassignedSequenceNumber,
			LastPostSequenceNumber: store.UnassignedSequenceNumber,
		}},
	})
	require.NoError(err)
	defer stream.Close()

	var got []*wire.Entry
	for {
		e, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(err)
		got = append(got, e)
	}
	require.Len(got, 3)
	assert.NotNil(got[0].Group)
	assert.Equal("p2", got[2].Post.ID)
}

func TestForbiddenIsIndistinguishable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, 1<<20)
	ctx := context.Background()

	// A non-friend hitting a real endpoint.
	err := env.eveClient.AskPull(ctx)
	assert.ErrorIs(err, ErrForbidden)
	_, err = env.eveClient.Push(ctx, &wire.Batch{})
	assert.ErrorIs(err, ErrForbidden)
	_, err = env.eveClient.Download(ctx, "ab12", 0, -1)
	assert.ErrorIs(err, ErrForbidden)

	// A friend hitting an unknown path, and a non-friend hitting a known
	// one, must be byte-identical on the wire.
	friendResp, err := env.friendClient.http.Get(env.friendClient.url("/no-such-path"))
	require.NoError(err)
	friendBody, err := io.ReadAll(friendResp.Body)
	require.NoError(err)
	friendResp.Body.Close()

	eveResp, err := env.eveClient.http.Get(env.eveClient.url(AskPullPath))
	require.NoError(err)
	eveBody, err := io.ReadAll(eveResp.Body)
	require.NoError(err)
	eveResp.Body.Close()

	assert.Equal(http.StatusForbidden, friendResp.StatusCode)
	assert.Equal(friendResp.StatusCode, eveResp.StatusCode)
	assert.Equal(friendBody, eveBody)
	assert.Empty(friendBody)

	// A friend using the wrong method on a known path gets the same.
	req, err := http.NewRequest(http.MethodPost, env.friendClient.url(PullPath), bytes.NewReader(nil))
	require.NoError(err)
	resp, err := env.friendClient.http.Do(req)
	require.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusForbidden, resp.StatusCode)
}

func TestDownloadRange(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, 1<<20)
	ctx := context.Background()

	data := make([]byte, 1000)
	_, err := rand.Read(data)
	require.NoError(err)
	env.handler.resources["ab12"] = data

	// An exact interior range returns exactly those bytes.
	stream, err := env.friendClient.Download(ctx, "ab12", 100, 199)
	require.NoError(err)
	got, err := io.ReadAll(stream)
	require.NoError(err)
	stream.Close()
	assert.Equal(data[100:200], got)

	// An open-ended range returns the suffix.
	stream, err = env.friendClient.Download(ctx, "ab12", 900, -1)
	require.NoError(err)
	got, err = io.ReadAll(stream)
	require.NoError(err)
	stream.Close()
	assert.Equal(data[900:], got)

	// The full content.
	stream, err = env.friendClient.Download(ctx, "ab12", 0, -1)
	require.NoError(err)
	got, err = io.ReadAll(stream)
	require.NoError(err)
	stream.Close()
	assert.Equal(data, got)

	// Not stored is the distinct retryable outcome.
	_, err = env.friendClient.Download(ctx, "ffff", 0, -1)
	assert.ErrorIs(err, ErrUnavailable)

	// A start beyond the content is a protocol error, not empty success.
	_, err = env.friendClient.Download(ctx, "ab12", 5000, -1)
	assert.ErrorIs(err, ErrProtocol)
}

func TestMalformedRangeRejected(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, 1<<20)
	u := env.friendClient.url(DownloadPath) + "?" + ResourceIDParam + "=ab12"
	env.handler.resources["ab12"] = []byte("0123456789")

	for _, h := range []string{
		"bytes=abc-",
		"bytes=-5",
		"bytes=5",
		"items=0-5",
		"bytes=9-5",
		"bytes=-1-",
	} {
		req, err := http.NewRequest(http.MethodGet, u, nil)
		require.NoError(err)
		req.Header.Set("Range", h)
		resp, err := env.friendClient.http.Do(req)
		require.NoError(err)
		resp.Body.Close()
		assert.Equalf(http.StatusBadRequest, resp.StatusCode, "range %q", h)
	}
}

func TestParseRange(t *testing.T) {
	assert := assert.New(t)

	start, end, err := parseRange("")
	assert.NoError(err)
	assert.Equal(int64(0), start)
	assert.Equal(int64(-1), end)

	start, end, err = parseRange("bytes=100-199")
	assert.NoError(err)
	assert.Equal(int64(100), start)
	assert.Equal(int64(199), end)

	start, end, err = parseRange("bytes=42-")
	assert.NoError(err)
	assert.Equal(int64(42), start)
	assert.Equal(int64(-1), end)

	_, _, err = parseRange("bytes=0-1, 5-9")
	assert.Error(err)
}

func TestOversizedBodyRejected(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, 64)

	batch := &wire.Batch{Entries: []wire.Entry{
		{Post: &store.Post{ID: "p1", GroupID: "g1", Content: make([]byte, 4096)}},
	}}
	_, err := env.friendClient.Push(context.Background(), batch)
	assert.ErrorIs(err, ErrProtocol)
}

func TestInvalidEntryRejected(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, 1<<20)

	// A decodable batch carrying an entry with neither object is the
	// pusher's protocol failure, not a server fault.
	batch := &wire.Batch{Entries: []wire.Entry{{}}}
	_, err := env.friendClient.Push(context.Background(), batch)
	assert.ErrorIs(err, ErrProtocol)

	env.handler.mu.Lock()
	assert.Nil(env.handler.lastBatch)
	env.handler.mu.Unlock()
}

func TestUnpinnedServerRejected(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, 1<<20)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	// Pin the wrong certificate; the handshake must fail before any
	// request is sent.
	badPeer := env.eve.Public
	badPeer.HiddenAddress = env.server.Addr().String()
	c, err := NewClient(&ClientConfig{
		Identity:       env.friend,
		Peer:           &badPeer,
		Dialer:         &TCPDialer{Timeout: 10 * time.Second},
		LogBackend:     logBackend,
		RequestTimeout: 10 * time.Second,
	})
	require.NoError(err)

	err = c.AskPull(context.Background())
	assert.ErrorIs(err, ErrTransport)
}
