// responder.go - Server-side exchange handling.
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

package engine

import (
	"errors"

	"github.com/quietpost/quietpost/store"
	"github.com/quietpost/quietpost/wire"
)

// HandleAskPull reacts to a friend's "pull me" signal by forcing a sweep
// ahead of schedule.
func (e *Engine) HandleAskPull(peerID string) error {
	e.log.Debugf("ask-pull from %s", peerID)
	e.Wake()
	return nil
}

// HandleAskLocation acknowledges the location signal.  Location capture is
// not performed; the signal is carried for protocol compatibility only.
func (e *Engine) HandleAskLocation(peerID string) error {
	e.log.Debugf("ask-location from %s", peerID)
	return nil
}

// ApplyBatch applies a pushed batch and returns, per touched group, what we
// now hold of the pusher's state so the pusher can advance its confirmed
// watermarks.
func (e *Engine) ApplyBatch(peerID string, batch *wire.Batch) (*wire.PushAck, error) {
	touched := make(map[string]bool)
	for i := range batch.Entries {
		entry := &batch.Entries[i]
		if err := entry.Validate(); err != nil {
			return nil, err
		}
		if err := e.applyEntry(peerID, entry); err != nil {
			return nil, err
		}
		if entry.Group != nil {
			touched[entry.Group.ID] = true
		} else {
			touched[entry.Post.GroupID] = true
		}
	}

	ack := &wire.PushAck{Groups: make(map[string]wire.GroupState, len(touched))}
	for gid := range touched {
		g, err := e.cfg.Store.Group(gid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Every entry for this group was skipped; there is
				// nothing to assert about it.
				continue
			}
			return nil, err
		}
		applied, err := e.cfg.Store.PeerAppliedState(gid, peerID)
		if err != nil {
			return nil, err
		}
		ack.Groups[gid] = wire.GroupState{
			GroupSequenceNumber:    g.SequenceNumber,
			LastPostSequenceNumber: applied.LastPostSequenceNumber,
		}
	}

	// The pushed entries may reference attachments we do not hold yet; the
	// forced sweep fetches them.
	e.Wake()
	return ack, nil
}

// ServePull streams to the caller every group it is a member of, and every
// entry newer than its asserted state.  Groups absent from the query are
// sent in full; that is how members discover groups they were added to.
// The asserted state is max-merged into the caller's confirmed watermarks.
func (e *Engine) ServePull(peerID string, query *wire.PullQuery, enc *wire.EntryEncoder) error {
	for gid, st := range query.Groups {
		err := e.cfg.Store.ConfirmSequenceNumbers(gid, peerID, store.SequenceNumbers{
			ConfirmedGroupSequenceNumber:    st.GroupSequenceNumber,
			ConfirmedLastPostSequenceNumber: st.LastPostSequenceNumber,
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	groups, err := e.cfg.Store.GroupsWithMember(peerID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		asserted, ok := query.Groups[g.ID]
		if !ok {
			asserted = wire.GroupState{
				GroupSequenceNumber:    store.UnassignedSequenceNumber,
				LastPostSequenceNumber: store.UnassignedSequenceNumber,
			}
		}
		if g.SequenceNumber > asserted.GroupSequenceNumber {
			if err := enc.Encode(&wire.Entry{Group: g}); err != nil {
				return err
			}
			entriesSent.WithLabelValues("group").Inc()
		}
		posts, err := e.cfg.Store.PostsSince(g.ID, asserted.LastPostSequenceNumber)
		if err != nil {
			return err
		}
		for _, p := range posts {
			if err := enc.Encode(&wire.Entry{Post: p}); err != nil {
				return err
			}
			entriesSent.WithLabelValues("post").Inc()
		}
	}
	return nil
}
