// api.go - Application-facing node operations and transport glue.
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

package node

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quietpost/quietpost/identity"
	"github.com/quietpost/quietpost/resource"
	"github.com/quietpost/quietpost/store"
	"github.com/quietpost/quietpost/transport"
	"github.com/quietpost/quietpost/wire"
)

// PublicIdentity returns the node's shareable identity.
func (n *Node) PublicIdentity() *identity.PublicIdentity {
	pub := n.identity.Public
	return &pub
}

// AddFriend pins a peer's identity, making it a mutually-trusted friend.
// The identity's self-signature is verified before anything is stored.
func (n *Node) AddFriend(pub *identity.PublicIdentity) error {
	if err := pub.Verify(); err != nil {
		return err
	}
	err := n.store.AddFriend(&store.Friend{
		Identity: *pub,
		AddedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	n.log.Noticef("added friend %v (%v)", pub.Nickname, pub.ID())
	n.engine.ResetAuth(pub.ID())
	return nil
}

// Friends returns all pinned friends.
func (n *Node) Friends() ([]*store.Friend, error) {
	return n.store.Friends()
}

// CreateGroup publishes a new group with the local node as publisher and
// sole initial member.
func (n *Node) CreateGroup(name string) (*store.Group, error) {
	now := time.Now().UnixMilli()
	g := &store.Group{
		ID:          store.NewID(),
		Name:        name,
		PublisherID: n.identity.Public.ID(),
		Members:     []identity.PublicIdentity{n.identity.Public},
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if err := n.store.PutGroup(g); err != nil {
		return nil, err
	}
	return g, nil
}

// AddGroupMember adds a member to a group the local node publishes and
// schedules replication of the updated metadata.
func (n *Node) AddGroupMember(groupID string, member *identity.PublicIdentity) error {
	if err := member.Verify(); err != nil {
		return err
	}
	g, err := n.store.Group(groupID)
	if err != nil {
		return err
	}
	if g.PublisherID != n.identity.Public.ID() {
		return fmt.Errorf("node: group %s is not published by this node", groupID)
	}
	if g.HasMember(member.ID()) {
		return nil
	}
	g.Members = append(g.Members, *member)
	g.ModifiedAt = time.Now().UnixMilli()
	if err := n.store.PutGroup(g); err != nil {
		return err
	}
	n.engine.Wake()
	return nil
}

// TombstoneGroup logically deletes a group the local node publishes.
func (n *Node) TombstoneGroup(groupID string) error {
	g, err := n.store.Group(groupID)
	if err != nil {
		return err
	}
	if g.PublisherID != n.identity.Public.ID() {
		return fmt.Errorf("node: group %s is not published by this node", groupID)
	}
	if err := n.store.TombstoneGroup(groupID); err != nil {
		return err
	}
	n.engine.Wake()
	return nil
}

// Group returns a group by id.
func (n *Node) Group(groupID string) (*store.Group, error) {
	return n.store.Group(groupID)
}

// GroupView returns the local aggregate view of a group.
func (n *Node) GroupView(groupID string) (*store.GroupView, error) {
	return n.store.GroupView(groupID)
}

// Groups returns all locally known groups.
func (n *Node) Groups() ([]*store.Group, error) {
	return n.store.Groups()
}

// AddPost publishes a post into a group and schedules replication.
func (n *Node) AddPost(groupID string, content []byte, attachments []store.Attachment) (*store.Post, error) {
	now := time.Now().UnixMilli()
	p := &store.Post{
		ID:          store.NewID(),
		GroupID:     groupID,
		PublisherID: n.identity.Public.ID(),
		ContentType: store.DefaultContentType,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if err := n.store.AddPost(p); err != nil {
		return nil, err
	}
	n.engine.Wake()
	return p, nil
}

// TombstonePost logically deletes a post and schedules replication of the
// tombstone.
func (n *Node) TombstonePost(groupID, postID string) error {
	if err := n.store.TombstonePost(groupID, postID); err != nil {
		return err
	}
	n.engine.Wake()
	return nil
}

// ActivePosts returns a group's posts that are not tombstoned, in sequence
// order.
func (n *Node) ActivePosts(groupID string) ([]*store.Post, error) {
	return n.store.ActivePosts(groupID)
}

// AddResource stores attachment content and returns the resource reference
// to embed in a post.
func (n *Node) AddResource(contentType string, r io.Reader) (*store.Attachment, error) {
	id := store.NewID()
	size, err := n.resources.Put(id, r)
	if err != nil {
		return nil, err
	}
	return &store.Attachment{
		ResourceID:  id,
		ContentType: contentType,
		Size:        size,
	}, nil
}

// Store exposes the underlying replicated store.
func (n *Node) Store() *store.Store {
	return n.store
}

// Resources exposes the attachment content store.
func (n *Node) Resources() *resource.Store {
	return n.resources
}

// Sync forces a reconciliation sweep ahead of the next scheduled tick.
func (n *Node) Sync() {
	n.engine.Wake()
}

// serviceHandler glues the transport server to the sync engine and the
// resource store.
type serviceHandler struct {
	n *Node
}

func (h *serviceHandler) HandleAskPull(peerID string) error {
	return h.n.engine.HandleAskPull(peerID)
}

func (h *serviceHandler) HandleAskLocation(peerID string) error {
	return h.n.engine.HandleAskLocation(peerID)
}

func (h *serviceHandler) HandlePush(peerID string, batch *wire.Batch) (*wire.PushAck, error) {
	ack, err := h.n.engine.ApplyBatch(peerID, batch)
	if errors.Is(err, wire.ErrInvalidEntry) {
		// A decodable batch carrying a nonsense entry is the peer's
		// fault, not ours.
		return nil, transport.ErrProtocol
	}
	return ack, err
}

func (h *serviceHandler) HandlePull(peerID string, query *wire.PullQuery, enc *wire.EntryEncoder) error {
	return h.n.engine.ServePull(peerID, query, enc)
}

func (h *serviceHandler) HandleDownload(peerID, resourceID string, start, end int64) (io.ReadCloser, error) {
	rc, err := h.n.resources.OpenRange(resourceID, start, end)
	switch {
	case err == nil:
		return rc, nil
	case errors.Is(err, resource.ErrNotFound):
		// Not stored yet; the peer should retry on a later sweep.
		return nil, transport.ErrUnavailable
	case errors.Is(err, resource.ErrBadRange), errors.Is(err, resource.ErrInvalidID):
		return nil, transport.ErrProtocol
	default:
		return nil, err
	}
}
