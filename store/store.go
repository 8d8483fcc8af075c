// store.go - BoltDB backed replicated store.
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

// Package store implements the replicated store slice with a simple boltdb
// based backend: groups, posts, per-peer watermarks and friends.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/op/go-logging.v1"

	"github.com/quietpost/quietpost/core/log"
)

const (
	metadataBucket  = "metadata"
	versionKey      = "version"
	friendsBucket   = "friends"
	groupsBucket    = "groups"
	groupMetaBucket = "groupMeta"
	postsBucket     = "posts"
	postOrderBucket = "postOrder"
	confirmedBucket = "confirmed"
	appliedBucket   = "applied"
)

var (
	// ErrNotFound is the error returned when the requested object does
	// not exist.
	ErrNotFound = errors.New("store: object not found")

	// ErrAlreadyExists is the error returned when creating an object
	// whose id is already present.
	ErrAlreadyExists = errors.New("store: object already exists")

	// ErrPublisherMismatch is the error returned when an incoming group
	// claims a publisher other than the locally recorded one.
	ErrPublisherMismatch = errors.New("store: group publisher mismatch")

	// ErrNotMember is the error returned when a post's publisher is not
	// a member of the target group.
	ErrNotMember = errors.New("store: publisher is not a group member")

	// ErrTombstoned is the error returned when mutating a tombstoned
	// group.
	ErrTombstoned = errors.New("store: group is tombstoned")
)

type groupMeta struct {
	LastPostSequenceNumber int64
}

// Store is the replicated store slice.  Mutations are transactional per
// group; unrelated groups proceed in parallel.
type Store struct {
	db  *bolt.DB
	log *logging.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	certMu    sync.RWMutex
	certIndex map[[blake2b.Size256]byte]string
}

// Open creates (or loads) a store database at path f.
func Open(f string, logBackend *log.Backend) (*Store, error) {
	var err error

	s := new(Store)
	s.log = logBackend.GetLogger("store")
	s.locks = make(map[string]*sync.Mutex)
	s.certIndex = make(map[[blake2b.Size256]byte]string)
	s.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{
			friendsBucket, groupsBucket, groupMetaBucket,
			postsBucket, postOrderBucket, confirmedBucket, appliedBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("store: incompatible version: %d", uint(b[0]))
			}
			// Loaded an existing database; populate the pinned
			// certificate index.
			return tx.Bucket([]byte(friendsBucket)).ForEach(func(k, v []byte) error {
				f := new(Friend)
				if err := cbor.Unmarshal(v, f); err != nil {
					return err
				}
				s.certIndex[blake2b.Sum256(f.Identity.CertificateDER)] = f.Identity.ID()
				return nil
			})
		}
		return meta.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		s.db.Close()
		return nil, err
	}

	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.db.Sync()
	return s.db.Close()
}

func (s *Store) lockGroup(groupID string) func() {
	s.lockMu.Lock()
	m, ok := s.locks[groupID]
	if !ok {
		m = new(sync.Mutex)
		s.locks[groupID] = m
	}
	s.lockMu.Unlock()
	m.Lock()
	return m.Unlock
}

func itob(seq int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seq))
	return b[:]
}

func getGroupTx(tx *bolt.Tx, id string) (*Group, error) {
	raw := tx.Bucket([]byte(groupsBucket)).Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	g := new(Group)
	if err := cbor.Unmarshal(raw, g); err != nil {
		return nil, err
	}
	return g, nil
}

func putGroupTx(tx *bolt.Tx, g *Group) error {
	raw, err := cbor.Marshal(g)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(groupsBucket)).Put([]byte(g.ID), raw)
}

func getMetaTx(tx *bolt.Tx, groupID string) (*groupMeta, error) {
	m := &groupMeta{LastPostSequenceNumber: UnassignedSequenceNumber}
	raw := tx.Bucket([]byte(groupMetaBucket)).Get([]byte(groupID))
	if raw == nil {
		return m, nil
	}
	if err := cbor.Unmarshal(raw, m); err != nil {
		return nil, err
	}
	return m, nil
}

func putMetaTx(tx *bolt.Tx, groupID string, m *groupMeta) error {
	raw, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(groupMetaBucket)).Put([]byte(groupID), raw)
}

func ensureGroupBucketsTx(tx *bolt.Tx, groupID string) error {
	for _, name := range []string{postsBucket, postOrderBucket, confirmedBucket, appliedBucket} {
		if _, err := tx.Bucket([]byte(name)).CreateBucketIfNotExists([]byte(groupID)); err != nil {
			return err
		}
	}
	return nil
}

// PutGroup stores a locally authored group mutation, assigning the next
// sequence number.  The first put of a group id assigns sequence number 0.
func (s *Store) PutGroup(g *Group) error {
	defer s.lockGroup(g.ID)()

	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getGroupTx(tx, g.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			g.SequenceNumber = 0
		} else {
			if existing.PublisherID != g.PublisherID {
				return ErrPublisherMismatch
			}
			if existing.IsTombstone {
				return ErrTombstoned
			}
			g.SequenceNumber = existing.SequenceNumber + 1
		}
		if err := putGroupTx(tx, g); err != nil {
			return err
		}
		return ensureGroupBucketsTx(tx, g.ID)
	})
}

// TombstoneGroup logically deletes a group as an ordinary versioned
// mutation.
func (s *Store) TombstoneGroup(groupID string) error {
	defer s.lockGroup(groupID)()

	return s.db.Update(func(tx *bolt.Tx) error {
		g, err := getGroupTx(tx, groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return ErrNotFound
		}
		g.IsTombstone = true
		g.SequenceNumber++
		g.ModifiedAt = time.Now().UnixMilli()
		return putGroupTx(tx, g)
	})
}

// ApplyGroup applies a group received from a peer.  The incoming group is
// accepted iff its publisher matches the locally recorded publisher for that
// group id (checked independently of the sequence comparison) and its
// sequence number is strictly greater than the known one.  A stale or
// duplicate group is a no-op, not an error.
func (s *Store) ApplyGroup(g *Group) (bool, error) {
	defer s.lockGroup(g.ID)()

	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if g.SequenceNumber < 0 {
			return nil
		}
		existing, err := getGroupTx(tx, g.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.PublisherID != g.PublisherID {
				return ErrPublisherMismatch
			}
			if g.SequenceNumber <= existing.SequenceNumber {
				return nil
			}
		}
		if err := putGroupTx(tx, g); err != nil {
			return err
		}
		applied = true
		return ensureGroupBucketsTx(tx, g.ID)
	})
	return applied, err
}

// AddPost stores a locally authored post, assigning the group's next post
// sequence number.
func (s *Store) AddPost(p *Post) error {
	defer s.lockGroup(p.GroupID)()

	return s.db.Update(func(tx *bolt.Tx) error {
		g, err := getGroupTx(tx, p.GroupID)
		if err != nil {
			return err
		}
		if g == nil {
			return ErrNotFound
		}
		if g.IsTombstone {
			return ErrTombstoned
		}
		if !g.HasMember(p.PublisherID) {
			return ErrNotMember
		}
		posts := tx.Bucket([]byte(postsBucket)).Bucket([]byte(p.GroupID))
		if posts.Get([]byte(p.ID)) != nil {
			return ErrAlreadyExists
		}
		m, err := getMetaTx(tx, p.GroupID)
		if err != nil {
			return err
		}
		p.SequenceNumber = m.LastPostSequenceNumber + 1
		raw, err := cbor.Marshal(p)
		if err != nil {
			return err
		}
		if err := posts.Put([]byte(p.ID), raw); err != nil {
			return err
		}
		order := tx.Bucket([]byte(postOrderBucket)).Bucket([]byte(p.GroupID))
		if err := order.Put(itob(p.SequenceNumber), []byte(p.ID)); err != nil {
			return err
		}
		m.LastPostSequenceNumber = p.SequenceNumber
		return putMetaTx(tx, p.GroupID, m)
	})
}

// TombstonePost logically deletes a post, assigning it a fresh, higher
// sequence number so the tombstone replicates through the ordinary path.
func (s *Store) TombstonePost(groupID, postID string) error {
	defer s.lockGroup(groupID)()

	return s.db.Update(func(tx *bolt.Tx) error {
		posts := tx.Bucket([]byte(postsBucket)).Bucket([]byte(groupID))
		if posts == nil {
			return ErrNotFound
		}
		raw := posts.Get([]byte(postID))
		if raw == nil {
			return ErrNotFound
		}
		p := new(Post)
		if err := cbor.Unmarshal(raw, p); err != nil {
			return err
		}
		if p.IsTombstone {
			return nil
		}
		m, err := getMetaTx(tx, groupID)
		if err != nil {
			return err
		}
		order := tx.Bucket([]byte(postOrderBucket)).Bucket([]byte(groupID))
		if err := order.Delete(itob(p.SequenceNumber)); err != nil {
			return err
		}
		p.IsTombstone = true
		p.SequenceNumber = m.LastPostSequenceNumber + 1
		p.ModifiedAt = time.Now().UnixMilli()
		raw, err = cbor.Marshal(p)
		if err != nil {
			return err
		}
		if err := posts.Put([]byte(p.ID), raw); err != nil {
			return err
		}
		if err := order.Put(itob(p.SequenceNumber), []byte(p.ID)); err != nil {
			return err
		}
		m.LastPostSequenceNumber = p.SequenceNumber
		return putMetaTx(tx, groupID, m)
	})
}

// ApplyPost applies a post received from a peer.  A post is accepted once by
// id; later transitions for the same id follow higher-sequence-wins.  An
// incoming sequence number that collides with already assigned numbers is
// re-sequenced locally, so within-group sequence numbers are never reused or
// lowered.
func (s *Store) ApplyPost(p *Post) (bool, error) {
	defer s.lockGroup(p.GroupID)()

	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		g, err := getGroupTx(tx, p.GroupID)
		if err != nil {
			return err
		}
		if g == nil {
			return ErrNotFound
		}
		if !g.HasMember(p.PublisherID) {
			return ErrNotMember
		}
		posts := tx.Bucket([]byte(postsBucket)).Bucket([]byte(p.GroupID))
		order := tx.Bucket([]byte(postOrderBucket)).Bucket([]byte(p.GroupID))
		m, err := getMetaTx(tx, p.GroupID)
		if err != nil {
			return err
		}

		exRaw := posts.Get([]byte(p.ID))
		if exRaw != nil {
			ex := new(Post)
			if err := cbor.Unmarshal(exRaw, ex); err != nil {
				return err
			}
			if p.SequenceNumber <= ex.SequenceNumber {
				return nil
			}
			if err := order.Delete(itob(ex.SequenceNumber)); err != nil {
				return err
			}
		}

		if p.SequenceNumber <= m.LastPostSequenceNumber {
			p.SequenceNumber = m.LastPostSequenceNumber + 1
		}
		raw, err := cbor.Marshal(p)
		if err != nil {
			return err
		}
		if err := posts.Put([]byte(p.ID), raw); err != nil {
			return err
		}
		if err := order.Put(itob(p.SequenceNumber), []byte(p.ID)); err != nil {
			return err
		}
		m.LastPostSequenceNumber = p.SequenceNumber
		applied = true
		return putMetaTx(tx, p.GroupID, m)
	})
	return applied, err
}

// Group returns the group with the given id.
func (s *Store) Group(groupID string) (*Group, error) {
	var g *Group
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		g, err = getGroupTx(tx, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNotFound
	}
	return g, nil
}

// Groups returns all known groups, tombstones included.
func (s *Store) Groups() ([]*Group, error) {
	var groups []*Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupsBucket)).ForEach(func(k, v []byte) error {
			g := new(Group)
			if err := cbor.Unmarshal(v, g); err != nil {
				return err
			}
			groups = append(groups, g)
			return nil
		})
	})
	return groups, err
}

// GroupsWithMember returns all groups in which id is a member.
func (s *Store) GroupsWithMember(id string) ([]*Group, error) {
	all, err := s.Groups()
	if err != nil {
		return nil, err
	}
	var groups []*Group
	for _, g := range all {
		if g.HasMember(id) {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

// GroupView returns the local aggregate view of a group.
func (s *Store) GroupView(groupID string) (*GroupView, error) {
	gv := &GroupView{Peers: make(map[string]SequenceNumbers)}
	err := s.db.View(func(tx *bolt.Tx) error {
		g, err := getGroupTx(tx, groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return ErrNotFound
		}
		gv.Group = *g
		m, err := getMetaTx(tx, groupID)
		if err != nil {
			return err
		}
		gv.LastPostSequenceNumber = m.LastPostSequenceNumber
		confirmed := tx.Bucket([]byte(confirmedBucket)).Bucket([]byte(groupID))
		if confirmed == nil {
			return nil
		}
		return confirmed.ForEach(func(k, v []byte) error {
			var sn SequenceNumbers
			if err := cbor.Unmarshal(v, &sn); err != nil {
				return err
			}
			gv.Peers[string(k)] = sn
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return gv, nil
}

// Post returns a single post by id.
func (s *Store) Post(groupID, postID string) (*Post, error) {
	var p *Post
	err := s.db.View(func(tx *bolt.Tx) error {
		posts := tx.Bucket([]byte(postsBucket)).Bucket([]byte(groupID))
		if posts == nil {
			return ErrNotFound
		}
		raw := posts.Get([]byte(postID))
		if raw == nil {
			return ErrNotFound
		}
		p = new(Post)
		return cbor.Unmarshal(raw, p)
	})
	return p, err
}

// Posts returns all of a group's posts in sequence number order, tombstones
// included.
func (s *Store) Posts(groupID string) ([]*Post, error) {
	return s.PostsSince(groupID, UnassignedSequenceNumber)
}

// ActivePosts returns a group's non-tombstoned posts in sequence number
// order.
func (s *Store) ActivePosts(groupID string) ([]*Post, error) {
	all, err := s.Posts(groupID)
	if err != nil {
		return nil, err
	}
	active := make([]*Post, 0, len(all))
	for _, p := range all {
		if !p.IsTombstone {
			active = append(active, p)
		}
	}
	return active, nil
}

// PostsSince returns a group's posts with sequence numbers strictly greater
// than since, in ascending order.
func (s *Store) PostsSince(groupID string, since int64) ([]*Post, error) {
	var result []*Post
	err := s.db.View(func(tx *bolt.Tx) error {
		order := tx.Bucket([]byte(postOrderBucket)).Bucket([]byte(groupID))
		posts := tx.Bucket([]byte(postsBucket)).Bucket([]byte(groupID))
		if order == nil || posts == nil {
			return ErrNotFound
		}
		c := order.Cursor()
		var k, v []byte
		if since < 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(itob(since + 1))
		}
		for ; k != nil; k, v = c.Next() {
			raw := posts.Get(v)
			if raw == nil {
				return fmt.Errorf("store: dangling post order entry in group %s", groupID)
			}
			p := new(Post)
			if err := cbor.Unmarshal(raw, p); err != nil {
				return err
			}
			result = append(result, p)
		}
		return nil
	})
	return result, err
}

// LastPostSequenceNumber returns the group's highest assigned post sequence
// number, tombstones included.
func (s *Store) LastPostSequenceNumber(groupID string) (int64, error) {
	var last int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if g, err := getGroupTx(tx, groupID); err != nil {
			return err
		} else if g == nil {
			return ErrNotFound
		}
		m, err := getMetaTx(tx, groupID)
		if err != nil {
			return err
		}
		last = m.LastPostSequenceNumber
		return nil
	})
	return last, err
}

// ConfirmSequenceNumbers max-merges what a peer asserted it has confirmed of
// our state.  The watermarks never decrease, regardless of delivery order,
// and an unassigned assertion never overwrites an assigned value.
func (s *Store) ConfirmSequenceNumbers(groupID, peerID string, sn SequenceNumbers) error {
	defer s.lockGroup(groupID)()

	return s.db.Update(func(tx *bolt.Tx) error {
		confirmed := tx.Bucket([]byte(confirmedBucket)).Bucket([]byte(groupID))
		if confirmed == nil {
			return ErrNotFound
		}
		cur := NewSequenceNumbers()
		if raw := confirmed.Get([]byte(peerID)); raw != nil {
			if err := cbor.Unmarshal(raw, &cur); err != nil {
				return err
			}
		}
		if sn.ConfirmedGroupSequenceNumber > cur.ConfirmedGroupSequenceNumber {
			cur.ConfirmedGroupSequenceNumber = sn.ConfirmedGroupSequenceNumber
		}
		if sn.ConfirmedLastPostSequenceNumber > cur.ConfirmedLastPostSequenceNumber {
			cur.ConfirmedLastPostSequenceNumber = sn.ConfirmedLastPostSequenceNumber
		}
		raw, err := cbor.Marshal(&cur)
		if err != nil {
			return err
		}
		return confirmed.Put([]byte(peerID), raw)
	})
}

// ConfirmedSequenceNumbers returns what a peer has confirmed of our state
// for a group.  Unconfirmed watermarks are the unassigned sentinel.
func (s *Store) ConfirmedSequenceNumbers(groupID, peerID string) (SequenceNumbers, error) {
	sn := NewSequenceNumbers()
	err := s.db.View(func(tx *bolt.Tx) error {
		confirmed := tx.Bucket([]byte(confirmedBucket)).Bucket([]byte(groupID))
		if confirmed == nil {
			return ErrNotFound
		}
		if raw := confirmed.Get([]byte(peerID)); raw != nil {
			return cbor.Unmarshal(raw, &sn)
		}
		return nil
	})
	return sn, err
}

// NoteAppliedState max-merges the record of what we have applied of a
// peer's own state for a group.
func (s *Store) NoteAppliedState(groupID, peerID string, st AppliedState) error {
	defer s.lockGroup(groupID)()

	return s.db.Update(func(tx *bolt.Tx) error {
		applied := tx.Bucket([]byte(appliedBucket)).Bucket([]byte(groupID))
		if applied == nil {
			return ErrNotFound
		}
		cur := NewAppliedState()
		if raw := applied.Get([]byte(peerID)); raw != nil {
			if err := cbor.Unmarshal(raw, &cur); err != nil {
				return err
			}
		}
		if st.GroupSequenceNumber > cur.GroupSequenceNumber {
			cur.GroupSequenceNumber = st.GroupSequenceNumber
		}
		if st.LastPostSequenceNumber > cur.LastPostSequenceNumber {
			cur.LastPostSequenceNumber = st.LastPostSequenceNumber
		}
		raw, err := cbor.Marshal(&cur)
		if err != nil {
			return err
		}
		return applied.Put([]byte(peerID), raw)
	})
}

// PeerAppliedState returns what we have applied of a peer's own state for a
// group.
func (s *Store) PeerAppliedState(groupID, peerID string) (AppliedState, error) {
	st := NewAppliedState()
	err := s.db.View(func(tx *bolt.Tx) error {
		applied := tx.Bucket([]byte(appliedBucket)).Bucket([]byte(groupID))
		if applied == nil {
			return ErrNotFound
		}
		if raw := applied.Get([]byte(peerID)); raw != nil {
			return cbor.Unmarshal(raw, &st)
		}
		return nil
	})
	return st, err
}

// AddFriend stores a new friend and pins its certificate in the allowlist.
func (s *Store) AddFriend(f *Friend) error {
	id := f.Identity.ID()
	err := s.db.Update(func(tx *bolt.Tx) error {
		friends := tx.Bucket([]byte(friendsBucket))
		if friends.Get([]byte(id)) != nil {
			return ErrAlreadyExists
		}
		raw, err := cbor.Marshal(f)
		if err != nil {
			return err
		}
		return friends.Put([]byte(id), raw)
	})
	if err != nil {
		return err
	}

	s.certMu.Lock()
	s.certIndex[blake2b.Sum256(f.Identity.CertificateDER)] = id
	s.certMu.Unlock()
	return nil
}

// Friend returns the friend with the given id.
func (s *Store) Friend(id string) (*Friend, error) {
	var f *Friend
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(friendsBucket)).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		f = new(Friend)
		return cbor.Unmarshal(raw, f)
	})
	return f, err
}

// Friends returns all friends.
func (s *Store) Friends() ([]*Friend, error) {
	var friends []*Friend
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(friendsBucket)).ForEach(func(k, v []byte) error {
			f := new(Friend)
			if err := cbor.Unmarshal(v, f); err != nil {
				return err
			}
			friends = append(friends, f)
			return nil
		})
	})
	return friends, err
}

// AddTransfer adds to a friend's cumulative transfer counters.
func (s *Store) AddTransfer(id string, sent, received uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		friends := tx.Bucket([]byte(friendsBucket))
		raw := friends.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		f := new(Friend)
		if err := cbor.Unmarshal(raw, f); err != nil {
			return err
		}
		f.BytesSent += sent
		f.BytesReceived += received
		raw, err := cbor.Marshal(f)
		if err != nil {
			return err
		}
		return friends.Put([]byte(id), raw)
	})
}

// FriendIDByCertificate looks up a friend by its exact pinned certificate.
func (s *Store) FriendIDByCertificate(der []byte) (string, bool) {
	s.certMu.RLock()
	defer s.certMu.RUnlock()
	id, ok := s.certIndex[blake2b.Sum256(der)]
	return id, ok
}
