// engine.go - Anti-entropy sync engine.
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

// Package engine reconciles the local store with each friend.  A periodic
// scheduler sweeps all friends; each sweep enqueues exchanges onto a bounded
// worker pool.  Exchanges are best effort: a failed exchange changes no
// recorded state and the next sweep retries it.
package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/quietpost/quietpost/core/log"
	"github.com/quietpost/quietpost/core/worker"
	"github.com/quietpost/quietpost/identity"
	"github.com/quietpost/quietpost/resource"
	"github.com/quietpost/quietpost/store"
	"github.com/quietpost/quietpost/transport"
	"github.com/quietpost/quietpost/wire"
)

const jobQueueDepth = 64

// Config holds the engine collaborators and tuning knobs.
type Config struct {
	// Store is the replicated store slice.
	Store *store.Store

	// Resources is the attachment content store.
	Resources *resource.Store

	// Identity is the local node identity.
	Identity *identity.Identity

	// Dialer supplies hidden-transport sockets toward friends.
	Dialer transport.Dialer

	// Records accumulates per-friend transfer counters.
	Records transport.TransferRecorder

	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// Interval is the sweep period.  It is the only backoff mechanism.
	Interval time.Duration

	// RequestTimeout bounds each request within an exchange.
	RequestTimeout time.Duration

	// NumWorkers is the exchange worker pool size.
	NumWorkers int
}

func (cfg *Config) validate() error {
	if cfg.Store == nil {
		return errors.New("engine: config missing Store")
	}
	if cfg.Resources == nil {
		return errors.New("engine: config missing Resources")
	}
	if cfg.Identity == nil {
		return errors.New("engine: config missing Identity")
	}
	if cfg.Dialer == nil {
		return errors.New("engine: config missing Dialer")
	}
	if cfg.LogBackend == nil {
		return errors.New("engine: config missing LogBackend")
	}
	if cfg.Interval <= 0 {
		return errors.New("engine: config Interval must be positive")
	}
	if cfg.NumWorkers <= 0 {
		return errors.New("engine: config NumWorkers must be positive")
	}
	return nil
}

// Engine drives pairwise reconciliation with every friend.
type Engine struct {
	worker.Worker

	cfg     *Config
	log     *logging.Logger
	localID string

	fetcher *resource.Fetcher

	clientMu sync.Mutex
	clients  map[string]*transport.Client

	authMu     sync.Mutex
	authFailed map[string]bool

	busyMu sync.Mutex
	busy   map[string]bool

	wakeCh chan struct{}
	jobCh  chan string
}

// New creates and starts a sync engine.
func New(cfg *Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		log:        cfg.LogBackend.GetLogger("engine"),
		localID:    cfg.Identity.Public.ID(),
		fetcher:    resource.NewFetcher(cfg.Resources, cfg.LogBackend),
		clients:    make(map[string]*transport.Client),
		authFailed: make(map[string]bool),
		busy:       make(map[string]bool),
		wakeCh:     make(chan struct{}, 1),
		jobCh:      make(chan string, jobQueueDepth),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		e.Go(e.exchangeWorker)
	}
	e.Go(e.schedulerWorker)
	return e, nil
}

// Wake forces a sweep ahead of the next scheduled tick.  It never blocks; a
// wake while one is already pending coalesces.
func (e *Engine) Wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// ResetAuth clears the authentication-failed suspension for a peer, after an
// allowlist change that may have fixed it.
func (e *Engine) ResetAuth(peerID string) {
	e.authMu.Lock()
	delete(e.authFailed, peerID)
	e.authMu.Unlock()
	e.Wake()
}

func (e *Engine) suspend(peerID string) {
	e.authMu.Lock()
	e.authFailed[peerID] = true
	e.authMu.Unlock()
	e.log.Warningf("suspending exchanges with %s after authentication failure", peerID)
}

func (e *Engine) suspended(peerID string) bool {
	e.authMu.Lock()
	defer e.authMu.Unlock()
	return e.authFailed[peerID]
}

func (e *Engine) schedulerWorker() {
	timer := time.NewTimer(e.cfg.Interval)
	defer timer.Stop()
	for {
		timerFired := false
		select {
		case <-e.HaltCh():
			return
		case <-e.wakeCh:
		case <-timer.C:
			timerFired = true
		}
		if !timerFired && !timer.Stop() {
			<-timer.C
		}
		e.sweep()
		timer.Reset(e.cfg.Interval)
	}
}

func (e *Engine) sweep() {
	friends, err := e.cfg.Store.Friends()
	if err != nil {
		e.log.Errorf("sweep: failed to enumerate friends: %v", err)
		return
	}
	for _, f := range friends {
		id := f.Identity.ID()
		if e.suspended(id) {
			continue
		}
		e.enqueue(id)
	}
}

func (e *Engine) enqueue(friendID string) {
	e.busyMu.Lock()
	if e.busy[friendID] {
		e.busyMu.Unlock()
		return
	}
	e.busy[friendID] = true
	e.busyMu.Unlock()
	select {
	case e.jobCh <- friendID:
	default:
		// Queue full; the next sweep will pick this friend up again.
		e.busyMu.Lock()
		delete(e.busy, friendID)
		e.busyMu.Unlock()
	}
}

func (e *Engine) exchangeWorker() {
	for {
		select {
		case <-e.HaltCh():
			return
		case friendID := <-e.jobCh:
			e.exchange(friendID)
			e.busyMu.Lock()
			delete(e.busy, friendID)
			e.busyMu.Unlock()
		}
	}
}

func (e *Engine) exchange(friendID string) {
	friend, err := e.cfg.Store.Friend(friendID)
	if err != nil {
		e.log.Errorf("exchange: unknown friend %s: %v", friendID, err)
		return
	}
	client, err := e.clientFor(friend)
	if err != nil {
		e.log.Errorf("exchange: client for %s: %v", friendID, err)
		return
	}
	switch err := e.exchangeWith(client, friendID); {
	case err == nil:
		exchangesTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, transport.ErrForbidden):
		exchangesTotal.WithLabelValues("forbidden").Inc()
		e.suspend(friendID)
	default:
		exchangesTotal.WithLabelValues("failure").Inc()
		e.log.Debugf("exchange with %s failed: %v", friendID, err)
	}
}

func (e *Engine) clientFor(friend *store.Friend) (*transport.Client, error) {
	id := friend.Identity.ID()
	e.clientMu.Lock()
	defer e.clientMu.Unlock()
	if c, ok := e.clients[id]; ok {
		return c, nil
	}
	c, err := transport.NewClient(&transport.ClientConfig{
		Identity:       e.cfg.Identity,
		Peer:           &friend.Identity,
		Dialer:         e.cfg.Dialer,
		LogBackend:     e.cfg.LogBackend,
		Records:        e.cfg.Records,
		RequestTimeout: e.cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	e.clients[id] = c
	return c, nil
}

func (e *Engine) requestCtx() (context.Context, context.CancelFunc) {
	if e.cfg.RequestTimeout > 0 {
		return context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	}
	return context.WithCancel(context.Background())
}

// exchangeWith runs one full exchange with a friend: signal, push, pull,
// fetch missing attachments.
func (e *Engine) exchangeWith(client *transport.Client, friendID string) error {
	groups, err := e.cfg.Store.GroupsWithMember(friendID)
	if err != nil {
		return err
	}

	var pending []*store.Group
	for _, g := range groups {
		if !e.converged(g, friendID) {
			pending = append(pending, g)
		}
	}

	if len(pending) > 0 {
		ctx, cancel := e.requestCtx()
		err := client.AskPull(ctx)
		cancel()
		if err != nil {
			return err
		}
	}

	for _, g := range pending {
		batch, err := e.buildPush(g, friendID)
		if err != nil {
			return err
		}
		if batch == nil {
			continue
		}
		ctx, cancel := e.requestCtx()
		ack, err := client.Push(ctx, batch)
		cancel()
		if err != nil {
			return err
		}
		for _, entry := range batch.Entries {
			if entry.Group != nil {
				entriesSent.WithLabelValues("group").Inc()
			} else {
				entriesSent.WithLabelValues("post").Inc()
			}
		}
		e.mergeAck(friendID, ack)
	}

	if err := e.pull(client, friendID, groups); err != nil {
		return err
	}

	return e.fetchMissingAttachments(client, friendID)
}

// converged reports whether the friend has confirmed everything we hold for
// the group.  For groups we publish, both the group metadata and the post
// watermark are pursued; otherwise only the post watermark.
func (e *Engine) converged(g *store.Group, friendID string) bool {
	conf, err := e.cfg.Store.ConfirmedSequenceNumbers(g.ID, friendID)
	if err != nil {
		return false
	}
	last, err := e.cfg.Store.LastPostSequenceNumber(g.ID)
	if err != nil {
		return false
	}
	if conf.ConfirmedLastPostSequenceNumber < last {
		return false
	}
	if g.PublisherID == e.localID {
		return conf.ConfirmedGroupSequenceNumber >= g.SequenceNumber
	}
	return true
}

// buildPush assembles the entries the friend has not yet confirmed for one
// group, or nil when there is nothing to send.
func (e *Engine) buildPush(g *store.Group, friendID string) (*wire.Batch, error) {
	conf, err := e.cfg.Store.ConfirmedSequenceNumbers(g.ID, friendID)
	if err != nil {
		return nil, err
	}
	var entries []wire.Entry
	if g.SequenceNumber > conf.ConfirmedGroupSequenceNumber {
		entries = append(entries, wire.Entry{Group: g})
	}
	posts, err := e.cfg.Store.PostsSince(g.ID, conf.ConfirmedLastPostSequenceNumber)
	if err != nil {
		return nil, err
	}
	for _, p := range posts {
		entries = append(entries, wire.Entry{Post: p})
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &wire.Batch{Entries: entries}, nil
}

func (e *Engine) mergeAck(friendID string, ack *wire.PushAck) {
	for gid, st := range ack.Groups {
		err := e.cfg.Store.ConfirmSequenceNumbers(gid, friendID, store.SequenceNumbers{
			ConfirmedGroupSequenceNumber:    st.GroupSequenceNumber,
			ConfirmedLastPostSequenceNumber: st.LastPostSequenceNumber,
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Errorf("merge ack for group %s from %s: %v", gid, friendID, err)
		}
	}
}

// pull asks the friend for everything newer than what we have applied of its
// state and applies the streamed entries as they arrive.
func (e *Engine) pull(client *transport.Client, friendID string, groups []*store.Group) error {
	query := &wire.PullQuery{Groups: make(map[string]wire.GroupState, len(groups))}
	for _, g := range groups {
		applied, err := e.cfg.Store.PeerAppliedState(g.ID, friendID)
		if err != nil {
			return err
		}
		query.Groups[g.ID] = wire.GroupState{
			GroupSequenceNumber:    g.SequenceNumber,
			LastPostSequenceNumber: applied.LastPostSequenceNumber,
		}
	}

	ctx, cancel := e.requestCtx()
	defer cancel()
	stream, err := client.Pull(ctx, query)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		entry, err := stream.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := entry.Validate(); err != nil {
			return err
		}
		if err := e.applyEntry(friendID, entry); err != nil {
			return err
		}
	}
}

// applyEntry applies one remote entry through the store conflict rules and
// notes the carried sequence numbers in the applied direction.  Entries the
// store legitimately rejects (wrong publisher, unknown group, non-member
// author) are skipped, not fatal.
func (e *Engine) applyEntry(peerID string, entry *wire.Entry) error {
	switch {
	case entry.Group != nil:
		g := entry.Group
		carried := g.SequenceNumber
		applied, err := e.cfg.Store.ApplyGroup(g)
		if err != nil {
			if errors.Is(err, store.ErrPublisherMismatch) {
				e.log.Warningf("rejected group %s from %s: publisher mismatch", g.ID, peerID)
				return nil
			}
			return err
		}
		if applied {
			entriesApplied.WithLabelValues("group").Inc()
		}
		return e.cfg.Store.NoteAppliedState(g.ID, peerID, store.AppliedState{
			GroupSequenceNumber:    carried,
			LastPostSequenceNumber: store.UnassignedSequenceNumber,
		})
	case entry.Post != nil:
		p := entry.Post
		carried := p.SequenceNumber
		applied, err := e.cfg.Store.ApplyPost(p)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrNotMember) {
				e.log.Debugf("skipped post %s from %s: %v", p.ID, peerID, err)
				return nil
			}
			return err
		}
		if applied {
			entriesApplied.WithLabelValues("post").Inc()
		}
		return e.cfg.Store.NoteAppliedState(p.GroupID, peerID, store.AppliedState{
			GroupSequenceNumber:    store.UnassignedSequenceNumber,
			LastPostSequenceNumber: carried,
		})
	}
	return nil
}

// fetchMissingAttachments scans the shared groups for attachment references
// whose content is not stored yet and fetches them from this friend.  An
// unavailable resource is left for a later sweep.
func (e *Engine) fetchMissingAttachments(client *transport.Client, friendID string) error {
	groups, err := e.cfg.Store.GroupsWithMember(friendID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		posts, err := e.cfg.Store.ActivePosts(g.ID)
		if err != nil {
			return err
		}
		for _, p := range posts {
			for _, att := range p.Attachments {
				if e.cfg.Resources.Has(att.ResourceID) {
					continue
				}
				ctx, cancel := e.requestCtx()
				err := e.fetcher.Fetch(ctx, client, att.ResourceID, att.Size)
				cancel()
				switch {
				case err == nil:
					resourceFetches.WithLabelValues("ok").Inc()
				case errors.Is(err, transport.ErrUnavailable):
					resourceFetches.WithLabelValues("unavailable").Inc()
					e.log.Debugf("resource %s not yet available from %s", att.ResourceID, friendID)
				default:
					resourceFetches.WithLabelValues("failure").Inc()
					e.log.Debugf("fetch of %s from %s failed: %v", att.ResourceID, friendID, err)
				}
			}
		}
	}
	return nil
}
