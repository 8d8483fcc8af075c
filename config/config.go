// config.go - Node configuration.
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

// Package config implements the configuration for a quietpost node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/quietpost/quietpost/core/log"
)

const (
	defaultBindAddress    = "127.0.0.1:0"
	defaultLogLevel       = "NOTICE"
	defaultInterval       = 60000  // 1 minute.
	defaultReadTimeout    = 60000  // 1 minute.
	defaultRequestTimeout = 120000 // 2 minutes.
	defaultNumWorkers     = 3
	defaultMaxBodySize    = 4 * 1024 * 1024
	defaultMaxConns       = 25

	// TransportTCP carries exchanges over plain TCP sockets.
	TransportTCP = "tcp"

	// TransportQUIC carries exchanges over single-stream QUIC tunnels.
	TransportQUIC = "quic"
)

// Node is the node configuration.
type Node struct {
	// Nickname is the human-readable name presented in our identity.
	Nickname string

	// DataDir is the absolute path to the node's state directory.
	DataDir string

	// BindAddress is the address the transport listener binds to.
	BindAddress string

	// HiddenAddress is the externally reachable address friends dial.
	// If empty, the bound listener address is used, which only works
	// when friends can reach the bind address directly.
	HiddenAddress string

	// Transport selects the hidden-transport carrier, "tcp" or "quic".
	Transport string

	// MetricsAddress, if set, exposes prometheus metrics over HTTP.
	MetricsAddress string
}

func (nCfg *Node) validate() error {
	if nCfg.Nickname == "" {
		return errors.New("config: Node: Nickname is not set")
	}
	if nCfg.DataDir == "" {
		return errors.New("config: Node: DataDir is not set")
	}
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	switch nCfg.Transport {
	case TransportTCP, TransportQUIC:
	default:
		return fmt.Errorf("config: Node: Transport '%v' is invalid", nCfg.Transport)
	}
	return nil
}

func (nCfg *Node) applyDefaults() {
	if nCfg.BindAddress == "" {
		nCfg.BindAddress = defaultBindAddress
	}
	if nCfg.Transport == "" {
		nCfg.Transport = TransportTCP
	}
}

// Sync is the sync engine and transport tuning configuration.  All
// durations are integer milliseconds.
type Sync struct {
	// Interval is the sweep period.
	Interval int

	// ReadTimeout bounds reading an incoming request.
	ReadTimeout int

	// RequestTimeout bounds one outgoing request, response body included.
	RequestTimeout int

	// NumExchangeWorkers is the exchange worker pool size.
	NumExchangeWorkers int

	// MaxBodySize is the largest accepted request body in bytes.
	MaxBodySize int64

	// MaxConns bounds concurrently served transport connections.
	MaxConns int
}

func (sCfg *Sync) validate() error {
	if sCfg.Interval < 0 {
		return fmt.Errorf("config: Sync: Interval %v is invalid", sCfg.Interval)
	}
	if sCfg.ReadTimeout < 0 {
		return fmt.Errorf("config: Sync: ReadTimeout %v is invalid", sCfg.ReadTimeout)
	}
	if sCfg.RequestTimeout < 0 {
		return fmt.Errorf("config: Sync: RequestTimeout %v is invalid", sCfg.RequestTimeout)
	}
	if sCfg.NumExchangeWorkers < 0 {
		return fmt.Errorf("config: Sync: NumExchangeWorkers %v is invalid", sCfg.NumExchangeWorkers)
	}
	if sCfg.MaxBodySize < 0 {
		return fmt.Errorf("config: Sync: MaxBodySize %v is invalid", sCfg.MaxBodySize)
	}
	if sCfg.MaxConns < 0 {
		return fmt.Errorf("config: Sync: MaxConns %v is invalid", sCfg.MaxConns)
	}
	return nil
}

func (sCfg *Sync) applyDefaults() {
	if sCfg.Interval == 0 {
		sCfg.Interval = defaultInterval
	}
	if sCfg.ReadTimeout == 0 {
		sCfg.ReadTimeout = defaultReadTimeout
	}
	if sCfg.RequestTimeout == 0 {
		sCfg.RequestTimeout = defaultRequestTimeout
	}
	if sCfg.NumExchangeWorkers == 0 {
		sCfg.NumExchangeWorkers = defaultNumWorkers
	}
	if sCfg.MaxBodySize == 0 {
		sCfg.MaxBodySize = defaultMaxBodySize
	}
	if sCfg.MaxConns == 0 {
		sCfg.MaxConns = defaultMaxConns
	}
}

// IntervalDuration returns Interval as a time.Duration.
func (sCfg *Sync) IntervalDuration() time.Duration {
	return time.Duration(sCfg.Interval) * time.Millisecond
}

// ReadTimeoutDuration returns ReadTimeout as a time.Duration.
func (sCfg *Sync) ReadTimeoutDuration() time.Duration {
	return time.Duration(sCfg.ReadTimeout) * time.Millisecond
}

// RequestTimeoutDuration returns RequestTimeout as a time.Duration.
func (sCfg *Sync) RequestTimeoutDuration() time.Duration {
	return time.Duration(sCfg.RequestTimeout) * time.Millisecond
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	return log.ValidateLevel(lCfg.Level)
}

func (lCfg *Logging) applyDefaults() {
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
}

// Config is the top level node configuration.
type Config struct {
	Node    *Node
	Sync    *Sync
	Logging *Logging
}

// FixupAndValidate applies defaults to missing sections and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Sync == nil {
		cfg.Sync = new(Sync)
	}
	if cfg.Logging == nil {
		cfg.Logging = new(Logging)
	}
	cfg.Node.applyDefaults()
	cfg.Sync.applyDefaults()
	cfg.Logging.applyDefaults()
	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Sync.validate(); err != nil {
		return err
	}
	return cfg.Logging.validate()
}

// Load parses and validates the provided buffer as a config file body.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
