// quictun.go - QUIC stream tunnel carrying the authenticated transport.
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

// Package quictun presents a single QUIC stream per connection as a net.Conn
// so the inner mutually authenticated TLS session can run over it unchanged.
// The outer QUIC TLS layer is throwaway camouflage and authenticates nothing.
package quictun

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// Conn wraps a quic connection and a single stream and implements net.Conn.
type Conn struct {
	Stream *quic.Stream
	Conn   *quic.Conn
}

// LocalAddr implements net.Conn.
func (q *Conn) LocalAddr() net.Addr {
	return q.Conn.LocalAddr()
}

// RemoteAddr implements net.Conn.
func (q *Conn) RemoteAddr() net.Addr {
	return q.Conn.RemoteAddr()
}

// SetDeadline implements net.Conn.
func (q *Conn) SetDeadline(t time.Time) error {
	return q.Stream.SetDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (q *Conn) SetReadDeadline(t time.Time) error {
	return q.Stream.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.
func (q *Conn) SetWriteDeadline(t time.Time) error {
	return q.Stream.SetWriteDeadline(t)
}

// Close implements net.Conn.
func (q *Conn) Close() error {
	return q.Stream.Close()
}

// Read implements net.Conn.
func (q *Conn) Read(b []byte) (n int, err error) {
	return q.Stream.Read(b)
}

// Write implements net.Conn.
func (q *Conn) Write(b []byte) (n int, err error) {
	return q.Stream.Write(b)
}

// Listener implements net.Listener over a QUIC listener.
type Listener struct {
	Listener *quic.Listener
}

// Accept implements net.Listener.  It accepts a QUIC connection, waits for
// its first stream, and returns that stream as a net.Conn.
func (l *Listener) Accept() (net.Conn, error) {
	ctx := context.Background()
	conn, err := l.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, Stream: stream}, nil
}

// Addr implements net.Listener.
func (l *Listener) Addr() net.Addr {
	return l.Listener.Addr()
}

// Close implements net.Listener.
func (l *Listener) Close() error {
	return l.Listener.Close()
}

// Listen binds a QUIC listener on addr with a freshly generated throwaway
// server certificate.
func Listen(addr string) (net.Listener, error) {
	ql, err := quic.ListenAddr(addr, generateTLSConfig(), nil)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: ql}, nil
}

// Dialer dials QUIC tunnels and satisfies the transport Dialer contract.
type Dialer struct{}

// DialContext opens a QUIC connection to address and a single stream on it.
func (d *Dialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	tlsCfg := &tls.Config{
		// The outer layer carries an authenticated TLS session inside
		// the stream, so the tunnel's own certificate is not checked.
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
	conn, err := quic.DialAddr(ctx, address, tlsCfg, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &Conn{Conn: conn, Stream: stream}, nil
}

// generateTLSConfig makes a bare-bones TLS config for the tunnel server.
func generateTLSConfig() *tls.Config {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		panic(err)
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	// ALPN is visible in the handshake, so advertise a common protocol
	// rather than something uniquely fingerprintable.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}
}
