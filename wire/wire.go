// wire.go - Replication protocol bodies.
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

// Package wire defines the CBOR bodies carried by the authenticated
// transport, and the streamed entry codec used by pull responses.
package wire

import (
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/quietpost/quietpost/store"
)

// ErrInvalidEntry is returned for an entry that does not carry exactly one
// replicated object.  The transport classes it as a protocol failure, not a
// local one.
var ErrInvalidEntry = errors.New("wire: entry must carry exactly one of group or post")

// GroupState asserts, per group, a pair of sequence watermarks.  In a pull
// query it is the caller's view of the responder's state; in a push ack it
// is the responder's view of the pusher's state.
type GroupState struct {
	GroupSequenceNumber    int64
	LastPostSequenceNumber int64
}

// PullQuery is the body of a pull request.  The responder sends entries
// newer than the asserted state, for every group the caller is a member of,
// including groups the query does not name.
type PullQuery struct {
	Groups map[string]GroupState
}

// Marshal serializes the query with CBOR.
func (q *PullQuery) Marshal() ([]byte, error) {
	return cbor.Marshal(q)
}

// Unmarshal deserializes the query from CBOR.
func (q *PullQuery) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, q)
}

// Entry is a single replicated object: exactly one of Group or Post is set.
type Entry struct {
	Group *store.Group `cbor:",omitempty"`
	Post  *store.Post  `cbor:",omitempty"`
}

// Validate returns an error unless exactly one of Group or Post is set.
func (e *Entry) Validate() error {
	if (e.Group == nil) == (e.Post == nil) {
		return ErrInvalidEntry
	}
	return nil
}

// Batch is the body of a push request.
type Batch struct {
	Entries []Entry
}

// Marshal serializes the batch with CBOR.
func (b *Batch) Marshal() ([]byte, error) {
	return cbor.Marshal(b)
}

// Unmarshal deserializes the batch from CBOR.
func (b *Batch) Unmarshal(raw []byte) error {
	return cbor.Unmarshal(raw, b)
}

// PushAck is the body of a push response: the responder's resulting view of
// the pusher's state, per group.
type PushAck struct {
	Groups map[string]GroupState
}

// Marshal serializes the ack with CBOR.
func (a *PushAck) Marshal() ([]byte, error) {
	return cbor.Marshal(a)
}

// Unmarshal deserializes the ack from CBOR.
func (a *PushAck) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, a)
}

// EntryEncoder writes a stream of entries to a pull response body.  Each
// entry is a self-delimiting CBOR value, so the consumer can apply every
// decoded prefix entry before the stream completes.
type EntryEncoder struct {
	enc *cbor.Encoder
}

// NewEntryEncoder returns an encoder writing to w.
func NewEntryEncoder(w io.Writer) *EntryEncoder {
	return &EntryEncoder{enc: cbor.NewEncoder(w)}
}

// Encode appends one entry to the stream.
func (e *EntryEncoder) Encode(entry *Entry) error {
	return e.enc.Encode(entry)
}

// EntryDecoder reads a stream of entries from a pull response body.
type EntryDecoder struct {
	dec *cbor.Decoder
}

// NewEntryDecoder returns a decoder reading from r.
func NewEntryDecoder(r io.Reader) *EntryDecoder {
	return &EntryDecoder{dec: cbor.NewDecoder(r)}
}

// Next returns the next entry, or io.EOF at the end of a complete stream.
// Any other error means the stream was cut short; entries already returned
// remain valid.
func (d *EntryDecoder) Next() (*Entry, error) {
	entry := new(Entry)
	if err := d.dec.Decode(entry); err != nil {
		return nil, err
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	return entry, nil
}
