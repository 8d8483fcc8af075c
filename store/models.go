// models.go - Replicated data model.
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

package store

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/quietpost/quietpost/identity"
)

// UnassignedSequenceNumber is the sentinel for "never assigned / never
// confirmed".
const UnassignedSequenceNumber int64 = -1

// DefaultContentType is the content type assigned to plain text posts.
const DefaultContentType = "text/plain"

// Group is the publisher-authoritative metadata object describing a shared
// collection and its membership.  Only the publisher may legitimately raise
// its sequence number.
type Group struct {
	ID          string
	Name        string
	PublisherID string
	Members     []identity.PublicIdentity

	CreatedAt  int64
	ModifiedAt int64

	SequenceNumber int64
	IsTombstone    bool
}

// HasMember returns true if id is a member of the group.
func (g *Group) HasMember(id string) bool {
	for i := range g.Members {
		if g.Members[i].ID() == id {
			return true
		}
	}
	return false
}

// Attachment references a lazily transferred resource from a post.
type Attachment struct {
	ResourceID  string
	ContentType string
	Size        int64
}

// Location is the location stub carried on a post.
type Location struct {
	Timestamp int64
	Latitude  float64
	Longitude float64
	Address   string
}

// Post is an append-style content item published into a group by any member.
type Post struct {
	ID          string
	GroupID     string
	PublisherID string

	ContentType string
	Content     []byte
	Attachments []Attachment
	Location    *Location

	CreatedAt  int64
	ModifiedAt int64

	SequenceNumber int64
	IsTombstone    bool
}

// SequenceNumbers records, per (group, peer), the highest versions of our
// state the peer has confirmed applying.  Both counters are monotonic
// non-decreasing, even under out-of-order response delivery.
type SequenceNumbers struct {
	ConfirmedGroupSequenceNumber    int64
	ConfirmedLastPostSequenceNumber int64
}

// NewSequenceNumbers returns watermarks in the never-confirmed state.
func NewSequenceNumbers() SequenceNumbers {
	return SequenceNumbers{
		ConfirmedGroupSequenceNumber:    UnassignedSequenceNumber,
		ConfirmedLastPostSequenceNumber: UnassignedSequenceNumber,
	}
}

// AppliedState records, per (group, peer), the highest versions of the
// peer's own state that we have applied locally.  This is the opposite
// direction from SequenceNumbers and the two are never conflated.
type AppliedState struct {
	GroupSequenceNumber    int64
	LastPostSequenceNumber int64
}

// NewAppliedState returns an applied-state record in the never-applied state.
func NewAppliedState() AppliedState {
	return AppliedState{
		GroupSequenceNumber:    UnassignedSequenceNumber,
		LastPostSequenceNumber: UnassignedSequenceNumber,
	}
}

// GroupView is the local aggregate view of a group: the group itself, the
// group's last post sequence number, and the per-peer confirmed watermarks.
type GroupView struct {
	Group                  Group
	LastPostSequenceNumber int64
	Peers                  map[string]SequenceNumbers
}

// Friend is a mutually-trusted peer.
type Friend struct {
	Identity identity.PublicIdentity
	AddedAt  int64

	// BytesSent and BytesReceived are cumulative transfer counters,
	// updated only by the transport.
	BytesSent     uint64
	BytesReceived uint64
}

// NewID returns a fresh random object identifier.
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("store: failed to read entropy: " + err.Error())
	}
	return hex.EncodeToString(b)
}
