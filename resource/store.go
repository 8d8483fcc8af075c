// store.go - Attachment content storage.
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

// Package resource stores attachment content referenced by posts and fetches
// missing content from friends lazily and resumably.
package resource

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/op/go-logging.v1"

	"github.com/quietpost/quietpost/core/log"
)

var (
	// ErrNotFound is returned when the resource content is not stored
	// locally.  Over the transport it surfaces as the retryable
	// unavailable outcome, not a protocol failure.
	ErrNotFound = errors.New("resource: not found")

	// ErrBadRange is returned for a requested range that cannot be
	// satisfied by the stored content.
	ErrBadRange = errors.New("resource: unsatisfiable range")

	// ErrInvalidID is returned for a resource id that is not a plain hex
	// identifier.
	ErrInvalidID = errors.New("resource: invalid resource id")
)

const partSuffix = ".part"

// Store is a directory of attachment content files keyed by resource id.
type Store struct {
	dir string
	log *logging.Logger
}

// New creates or opens a resource store rooted at dir.
func New(dir string, logBackend *log.Backend) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Store{
		dir: dir,
		log: logBackend.GetLogger("resource"),
	}, nil
}

// validID rejects anything that is not a plain lowercase hex identifier, so
// an id can never escape the store directory.
func validID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (s *Store) path(id string) (string, error) {
	if !validID(id) {
		return "", ErrInvalidID
	}
	return filepath.Join(s.dir, id), nil
}

// Put stores the full content of r under id and returns the stored size.
// Content is written to a part file first so a crash never leaves a
// truncated file behind under the final name.
func (s *Store) Put(id string, r io.Reader) (int64, error) {
	p, err := s.path(id)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(p+partSuffix, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(p + partSuffix)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(p + partSuffix)
		return 0, err
	}
	if err := os.Rename(p+partSuffix, p); err != nil {
		return 0, err
	}
	s.log.Debugf("stored resource %s (%d bytes)", id, n)
	return n, nil
}

// Has reports whether the full content for id is stored.
func (s *Store) Has(id string) bool {
	p, err := s.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Size returns the stored content size for id.
func (s *Store) Size(id string) (int64, error) {
	p, err := s.path(id)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return fi.Size(), nil
}

// Open returns the full content for id and its size.
func (s *Store) Open(id string) (io.ReadCloser, int64, error) {
	size, err := s.Size(id)
	if err != nil {
		return nil, 0, err
	}
	rc, err := s.OpenRange(id, 0, -1)
	if err != nil {
		return nil, 0, err
	}
	return rc, size, nil
}

// OpenRange returns exactly the inclusive byte range [start, end] of the
// stored content.  end < 0 means "to the end of the content".  A start at
// or beyond the content size is an unsatisfiable range, never an empty
// success, except for an open-ended request at offset 0 of zero-byte
// content, which is the whole content.
func (s *Store) OpenRange(id string, start, end int64) (io.ReadCloser, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()
	if size == 0 && start == 0 && end < 0 {
		return &rangeReader{f: f, remaining: 0}, nil
	}
	if start < 0 || start >= size || (end >= 0 && end < start) {
		f.Close()
		return nil, fmt.Errorf("%w: %d-%d of %d", ErrBadRange, start, end, size)
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &rangeReader{f: f, remaining: end - start + 1}, nil
}

// rangeReader serves a bounded window of an open file.
type rangeReader struct {
	f         *os.File
	remaining int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.f.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *rangeReader) Close() error {
	return r.f.Close()
}
