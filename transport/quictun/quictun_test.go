// quictun_test.go - QUIC tunnel tests.
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

package quictun

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuicTunnelRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	l, err := Listen("127.0.0.1:0")
	require.NoError(err)
	defer l.Close()

	payload := []byte("hello hello")
	errCh := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(conn, buf); err != nil {
			errCh <- err
			return
		}
		_, err = conn.Write(buf)
		errCh <- err
	}()

	d := &Dialer{}
	conn, err := d.DialContext(context.Background(), l.Addr().String())
	require.NoError(err)
	defer conn.Close()

	_, err = conn.Write(payload)
	require.NoError(err)
	echo := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echo)
	require.NoError(err)
	assert.Equal(payload, echo)
	require.NoError(<-errCh)
}
