// store_test.go - Replicated store tests.
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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietpost/quietpost/core/log"
	"github.com/quietpost/quietpost/identity"
)

func newTestStore(t *testing.T) *Store {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	s, err := Open(filepath.Join(t.TempDir(), "store.db"), logBackend)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newPeer(t *testing.T, nick string) *identity.Identity {
	id, err := identity.New(nick, "127.0.0.1:0")
	require.NoError(t, err)
	return id
}

func testGroup(publisher *identity.Identity, members ...*identity.Identity) *Group {
	now := time.Now().UnixMilli()
	g := &Group{
		ID:          NewID(),
		Name:        "test group",
		PublisherID: publisher.Public.ID(),
		Members:     []identity.PublicIdentity{publisher.Public},
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	for _, m := range members {
		g.Members = append(g.Members, m.Public)
	}
	return g
}

func testPost(author *identity.Identity, groupID, content string) *Post {
	now := time.Now().UnixMilli()
	return &Post{
		ID:          NewID(),
		GroupID:     groupID,
		PublisherID: author.Public.ID(),
		ContentType: DefaultContentType,
		Content:     []byte(content),
		CreatedAt:   now,
		ModifiedAt:  now,
	}
}

func TestPutGroupAssignsSequence(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	g := testGroup(alice)
	require.NoError(s.PutGroup(g))
	assert.Equal(int64(0), g.SequenceNumber)

	// Every publisher mutation raises the sequence number.
	g.Members = append(g.Members, bob.Public)
	require.NoError(s.PutGroup(g))
	assert.Equal(int64(1), g.SequenceNumber)

	require.NoError(s.TombstoneGroup(g.ID))
	got, err := s.Group(g.ID)
	require.NoError(err)
	assert.True(got.IsTombstone)
	assert.Equal(int64(2), got.SequenceNumber)

	// A tombstoned group rejects further local mutations.
	assert.ErrorIs(s.PutGroup(g), ErrTombstoned)
}

func TestApplyGroupEnforcesPublisher(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	alice := newPeer(t, "alice")
	eve := newPeer(t, "eve")

	g := testGroup(alice)
	g.SequenceNumber = 0
	applied, err := s.ApplyGroup(g)
	require.NoError(err)
	assert.True(applied)

	// A different publisher is rejected regardless of sequence number.
	forged := testGroup(eve)
	forged.ID = g.ID
	forged.SequenceNumber = 100
	_, err = s.ApplyGroup(forged)
	assert.ErrorIs(err, ErrPublisherMismatch)

	got, err := s.Group(g.ID)
	require.NoError(err)
	assert.Equal(alice.Public.ID(), got.PublisherID)
	assert.Equal(int64(0), got.SequenceNumber)
}

func TestApplyGroupIdempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	alice := newPeer(t, "alice")

	g := testGroup(alice)
	g.SequenceNumber = 2
	applied, err := s.ApplyGroup(g)
	require.NoError(err)
	assert.True(applied)

	// Duplicate and stale deliveries are no-ops, not errors.
	applied, err = s.ApplyGroup(g)
	require.NoError(err)
	assert.False(applied)

	stale := *g
	stale.SequenceNumber = 1
	applied, err = s.ApplyGroup(&stale)
	require.NoError(err)
	assert.False(applied)

	newer := *g
	newer.SequenceNumber = 3
	newer.Name = "renamed"
	applied, err = s.ApplyGroup(&newer)
	require.NoError(err)
	assert.True(applied)

	got, err := s.Group(g.ID)
	require.NoError(err)
	assert.Equal("renamed", got.Name)
}

func TestPostLifecycle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")
	eve := newPeer(t, "eve")

	g := testGroup(alice, bob)
	require.NoError(s.PutGroup(g))

	var posts []*Post
	for i := 0; i < 3; i++ {
		p := testPost(alice, g.ID, "hello")
		require.NoError(s.AddPost(p))
		assert.Equal(int64(i), p.SequenceNumber)
		posts = append(posts, p)
	}

	// Non-members cannot author posts.
	assert.ErrorIs(s.AddPost(testPost(eve, g.ID, "intruder")), ErrNotMember)

	last, err := s.LastPostSequenceNumber(g.ID)
	require.NoError(err)
	assert.Equal(int64(2), last)

	// Tombstoning re-sequences the post so the deletion replicates.
	require.NoError(s.TombstonePost(g.ID, posts[0].ID))
	last, err = s.LastPostSequenceNumber(g.ID)
	require.NoError(err)
	assert.Equal(int64(3), last)

	active, err := s.ActivePosts(g.ID)
	require.NoError(err)
	assert.Len(active, 2)

	all, err := s.Posts(g.ID)
	require.NoError(err)
	assert.Len(all, 3)

	since, err := s.PostsSince(g.ID, 1)
	require.NoError(err)
	require.Len(since, 2)
	assert.Equal(int64(2), since[0].SequenceNumber)
	assert.Equal(int64(3), since[1].SequenceNumber)
	assert.True(since[1].IsTombstone)

	// Tombstoning twice is a no-op.
	require.NoError(s.TombstonePost(g.ID, posts[0].ID))
	last, err = s.LastPostSequenceNumber(g.ID)
	require.NoError(err)
	assert.Equal(int64(3), last)
}

func TestApplyPostResequencesCollisions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	g := testGroup(alice, bob)
	g.SequenceNumber = 0
	_, err := s.ApplyGroup(g)
	require.NoError(err)

	// A carried sequence number above the local watermark is kept.
	p1 := testPost(alice, g.ID, "first")
	p1.SequenceNumber = 5
	applied, err := s.ApplyPost(p1)
	require.NoError(err)
	assert.True(applied)
	assert.Equal(int64(5), p1.SequenceNumber)

	// A colliding sequence number is re-assigned locally.
	p2 := testPost(bob, g.ID, "second")
	p2.SequenceNumber = 3
	applied, err = s.ApplyPost(p2)
	require.NoError(err)
	assert.True(applied)
	assert.Equal(int64(6), p2.SequenceNumber)

	// A post is accepted once by id.
	dup := *p1
	applied, err = s.ApplyPost(&dup)
	require.NoError(err)
	assert.False(applied)

	// A later transition for a known id follows higher-sequence-wins.
	tomb := *p1
	tomb.SequenceNumber = 9
	tomb.IsTombstone = true
	applied, err = s.ApplyPost(&tomb)
	require.NoError(err)
	assert.True(applied)

	got, err := s.Post(g.ID, p1.ID)
	require.NoError(err)
	assert.True(got.IsTombstone)

	last, err := s.LastPostSequenceNumber(g.ID)
	require.NoError(err)
	assert.Equal(int64(9), last)

	// Non-member authors are rejected on apply too.
	eve := newPeer(t, "eve")
	p3 := testPost(eve, g.ID, "intruder")
	p3.SequenceNumber = 10
	_, err = s.ApplyPost(p3)
	assert.ErrorIs(err, ErrNotMember)
}

func TestWatermarksMonotonicOutOfOrder(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")
	peerID := bob.Public.ID()

	g := testGroup(alice, bob)
	require.NoError(s.PutGroup(g))

	sn, err := s.ConfirmedSequenceNumbers(g.ID, peerID)
	require.NoError(err)
	assert.Equal(UnassignedSequenceNumber, sn.ConfirmedGroupSequenceNumber)
	assert.Equal(UnassignedSequenceNumber, sn.ConfirmedLastPostSequenceNumber)

	require.NoError(s.ConfirmSequenceNumbers(g.ID, peerID, SequenceNumbers{
		ConfirmedGroupSequenceNumber:    5,
		ConfirmedLastPostSequenceNumber: 7,
	}))
	// An older response delivered late must not regress either counter.
	require.NoError(s.ConfirmSequenceNumbers(g.ID, peerID, SequenceNumbers{
		ConfirmedGroupSequenceNumber:    3,
		ConfirmedLastPostSequenceNumber: 9,
	}))
	sn, err = s.ConfirmedSequenceNumbers(g.ID, peerID)
	require.NoError(err)
	assert.Equal(int64(5), sn.ConfirmedGroupSequenceNumber)
	assert.Equal(int64(9), sn.ConfirmedLastPostSequenceNumber)

	// Unassigned never overwrites assigned.
	require.NoError(s.ConfirmSequenceNumbers(g.ID, peerID, NewSequenceNumbers()))
	sn, err = s.ConfirmedSequenceNumbers(g.ID, peerID)
	require.NoError(err)
	assert.Equal(int64(5), sn.ConfirmedGroupSequenceNumber)

	// The applied direction is tracked independently.
	require.NoError(s.NoteAppliedState(g.ID, peerID, AppliedState{
		GroupSequenceNumber:    2,
		LastPostSequenceNumber: UnassignedSequenceNumber,
	}))
	require.NoError(s.NoteAppliedState(g.ID, peerID, AppliedState{
		GroupSequenceNumber:    UnassignedSequenceNumber,
		LastPostSequenceNumber: 4,
	}))
	st, err := s.PeerAppliedState(g.ID, peerID)
	require.NoError(err)
	assert.Equal(int64(2), st.GroupSequenceNumber)
	assert.Equal(int64(4), st.LastPostSequenceNumber)

	sn, err = s.ConfirmedSequenceNumbers(g.ID, peerID)
	require.NoError(err)
	assert.Equal(int64(5), sn.ConfirmedGroupSequenceNumber)
	assert.Equal(int64(9), sn.ConfirmedLastPostSequenceNumber)
}

func TestFriends(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	bob := newPeer(t, "bob")

	f := &Friend{Identity: bob.Public, AddedAt: time.Now().UnixMilli()}
	require.NoError(s.AddFriend(f))
	assert.ErrorIs(s.AddFriend(f), ErrAlreadyExists)

	got, err := s.Friend(bob.Public.ID())
	require.NoError(err)
	assert.Equal("bob", got.Identity.Nickname)

	_, err = s.Friend("deadbeef")
	assert.ErrorIs(err, ErrNotFound)

	id, ok := s.FriendIDByCertificate(bob.Public.CertificateDER)
	require.True(ok)
	assert.Equal(bob.Public.ID(), id)

	eve := newPeer(t, "eve")
	_, ok = s.FriendIDByCertificate(eve.Public.CertificateDER)
	assert.False(ok)

	require.NoError(s.AddTransfer(bob.Public.ID(), 100, 25))
	require.NoError(s.AddTransfer(bob.Public.ID(), 1, 2))
	got, err = s.Friend(bob.Public.ID())
	require.NoError(err)
	assert.Equal(uint64(101), got.BytesSent)
	assert.Equal(uint64(27), got.BytesReceived)

	friends, err := s.Friends()
	require.NoError(err)
	assert.Len(friends, 1)
}

func TestGroupsWithMember(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	shared := testGroup(alice, bob)
	require.NoError(s.PutGroup(shared))
	private := testGroup(alice)
	require.NoError(s.PutGroup(private))

	groups, err := s.GroupsWithMember(bob.Public.ID())
	require.NoError(err)
	require.Len(groups, 1)
	assert.Equal(shared.ID, groups[0].ID)

	all, err := s.Groups()
	require.NoError(err)
	assert.Len(all, 2)
}

func TestGroupView(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	g := testGroup(alice, bob)
	require.NoError(s.PutGroup(g))
	require.NoError(s.AddPost(testPost(alice, g.ID, "hi")))
	require.NoError(s.ConfirmSequenceNumbers(g.ID, bob.Public.ID(), SequenceNumbers{
		ConfirmedGroupSequenceNumber:    0,
		ConfirmedLastPostSequenceNumber: 0,
	}))

	view, err := s.GroupView(g.ID)
	require.NoError(err)
	assert.Equal(g.ID, view.Group.ID)
	assert.Equal(int64(0), view.LastPostSequenceNumber)
	require.Contains(view.Peers, bob.Public.ID())
	assert.Equal(int64(0), view.Peers[bob.Public.ID()].ConfirmedGroupSequenceNumber)
}

func TestStorePersistence(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir := t.TempDir()
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	s, err := Open(filepath.Join(dir, "store.db"), logBackend)
	require.NoError(err)
	g := testGroup(alice, bob)
	require.NoError(s.PutGroup(g))
	require.NoError(s.AddFriend(&Friend{Identity: bob.Public, AddedAt: time.Now().UnixMilli()}))
	require.NoError(s.Close())

	// The pinned certificate index is rebuilt on open.
	s, err = Open(filepath.Join(dir, "store.db"), logBackend)
	require.NoError(err)
	defer s.Close()

	id, ok := s.FriendIDByCertificate(bob.Public.CertificateDER)
	require.True(ok)
	assert.Equal(bob.Public.ID(), id)

	got, err := s.Group(g.ID)
	require.NoError(err)
	assert.Equal(g.Name, got.Name)
}
