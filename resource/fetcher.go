// fetcher.go - Resumable attachment download.
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

package resource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/op/go-logging.v1"

	"github.com/quietpost/quietpost/core/log"
)

// Downloader fetches an inclusive byte range of a remote resource.  end < 0
// means "to the end".  It is satisfied by the transport client.
type Downloader interface {
	Download(ctx context.Context, resourceID string, start, end int64) (io.ReadCloser, error)
}

// Fetcher downloads missing attachment content into a Store.  Progress is
// kept in a part file; a truncated stream keeps the received prefix and the
// next attempt resumes from it with a range request.
type Fetcher struct {
	store *Store
	log   *logging.Logger
}

// NewFetcher creates a Fetcher writing into store.
func NewFetcher(store *Store, logBackend *log.Backend) *Fetcher {
	return &Fetcher{
		store: store,
		log:   logBackend.GetLogger("resource/fetcher"),
	}
}

// Fetch ensures the content for id, expected to be size bytes, is stored
// locally, downloading the missing suffix from dl.  It returns nil once the
// full content is present.  Unavailable and transport failures propagate to
// the caller for the scheduler to retry; received bytes are never discarded.
func (f *Fetcher) Fetch(ctx context.Context, dl Downloader, id string, size int64) error {
	if f.store.Has(id) {
		return nil
	}
	p, err := f.store.path(id)
	if err != nil {
		return err
	}
	partPath := p + partSuffix

	var offset int64
	if fi, err := os.Stat(partPath); err == nil {
		offset = fi.Size()
	}
	if size >= 0 && offset >= size {
		if offset == 0 {
			// Zero-byte content needs nothing from the peer.
			_, err := f.store.Put(id, bytes.NewReader(nil))
			return err
		}
		return os.Rename(partPath, p)
	}

	body, err := dl.Download(ctx, id, offset, -1)
	if err != nil {
		return err
	}
	defer body.Close()

	part, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(part, body)
	if err := part.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	offset += n
	if copyErr != nil {
		f.log.Debugf("fetch of %s interrupted at %d bytes: %v", id, offset, copyErr)
		return copyErr
	}
	if size >= 0 && offset != size {
		// The peer served a clean end short of the expected size, most
		// likely because it is still fetching the content itself.  The
		// prefix is kept for the next attempt.
		f.log.Debugf("fetch of %s ended short: %d of %d bytes", id, offset, size)
		return fmt.Errorf("resource: short content for %s: %d of %d bytes", id, offset, size)
	}
	if err := os.Rename(partPath, p); err != nil {
		return err
	}
	f.log.Debugf("fetched resource %s (%d bytes)", id, offset)
	return nil
}
