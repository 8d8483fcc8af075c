// config_test.go - Configuration tests.
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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	const basicConfig = `
[Node]
Nickname = "alice"
DataDir = "/var/lib/quietpost"
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err)

	assert.Equal("127.0.0.1:0", cfg.Node.BindAddress)
	assert.Equal(TransportTCP, cfg.Node.Transport)
	assert.Equal(time.Minute, cfg.Sync.IntervalDuration())
	assert.Equal(time.Minute, cfg.Sync.ReadTimeoutDuration())
	assert.Equal(2*time.Minute, cfg.Sync.RequestTimeoutDuration())
	assert.Equal(3, cfg.Sync.NumExchangeWorkers)
	assert.Equal(int64(4*1024*1024), cfg.Sync.MaxBodySize)
	assert.Equal(25, cfg.Sync.MaxConns)
	assert.Equal("NOTICE", cfg.Logging.Level)
	assert.False(cfg.Logging.Disable)
}

func TestConfigFull(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	const fullConfig = `
[Node]
Nickname = "bob"
DataDir = "/tmp/quietpost"
BindAddress = "127.0.0.1:29483"
HiddenAddress = "example.onion:443"
Transport = "quic"
MetricsAddress = "127.0.0.1:6543"

[Sync]
Interval = 5000
ReadTimeout = 30000
RequestTimeout = 45000
NumExchangeWorkers = 7
MaxBodySize = 1048576
MaxConns = 10

[Logging]
File = "quietpost.log"
Level = "DEBUG"
`
	cfg, err := Load([]byte(fullConfig))
	require.NoError(err)

	assert.Equal("example.onion:443", cfg.Node.HiddenAddress)
	assert.Equal(TransportQUIC, cfg.Node.Transport)
	assert.Equal(5*time.Second, cfg.Sync.IntervalDuration())
	assert.Equal(7, cfg.Sync.NumExchangeWorkers)
	assert.Equal("quietpost.log", cfg.Logging.File)
}

func TestConfigRejectsInvalid(t *testing.T) {
	assert := assert.New(t)

	// No Node block.
	_, err := Load([]byte(`[Logging]`))
	assert.Error(err)

	// Relative data dir.
	_, err = Load([]byte(`
[Node]
Nickname = "alice"
DataDir = "relative/path"
`))
	assert.Error(err)

	// Missing nickname.
	_, err = Load([]byte(`
[Node]
DataDir = "/var/lib/quietpost"
`))
	assert.Error(err)

	// Unknown transport.
	_, err = Load([]byte(`
[Node]
Nickname = "alice"
DataDir = "/var/lib/quietpost"
Transport = "smoke-signals"
`))
	assert.Error(err)

	// Bad log level.
	_, err = Load([]byte(`
[Node]
Nickname = "alice"
DataDir = "/var/lib/quietpost"

[Logging]
Level = "LOUD"
`))
	assert.Error(err)

	// Undecoded keys are an error, not silently dropped.
	_, err = Load([]byte(`
[Node]
Nickname = "alice"
DataDir = "/var/lib/quietpost"
Nicknme = "typo"
`))
	assert.Error(err)
}
