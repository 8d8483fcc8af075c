// identity.go - Peer identity key material.
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

// Package identity binds a key pair, a self-signed certificate and a hidden
// address into an immutable, self-signed public identity.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

const (
	privateKeyFile     = "identity.private.pem"
	certificateFile    = "identity.public.pem"
	publicIdentityFile = "identity.cbor"

	accessSecretSize = 16

	certificateLifetime = 100 * 365 * 24 * time.Hour
)

// ErrInvalidSignature is the error returned when an identity's self-signature
// does not verify against its certificate public key.
var ErrInvalidSignature = errors.New("identity: invalid self-signature")

// PublicIdentity is the shareable half of an identity.  It is immutable and
// compared by ID.
type PublicIdentity struct {
	// Nickname is the human readable name chosen by the identity's owner.
	// It carries no authority and is not unique.
	Nickname string

	// CertificateDER is the self-signed X.509 certificate, DER encoded.
	CertificateDER []byte

	// HiddenAddress is the endpoint at which the hidden-transport
	// collaborator makes this peer reachable.
	HiddenAddress string

	// AccessSecret is the transport-level access credential for the
	// hidden address.
	AccessSecret []byte

	// Signature is the ed25519 self-signature over the CBOR serialization
	// of the identity with an empty Signature field.
	Signature []byte
}

// ID returns the stable fingerprint of the identity: the hex encoded
// BLAKE2b-256 digest of the certificate.
func (p *PublicIdentity) ID() string {
	return hex.EncodeToString(p.Fingerprint())
}

// Fingerprint returns the raw BLAKE2b-256 digest of the certificate.
func (p *PublicIdentity) Fingerprint() []byte {
	sum := blake2b.Sum256(p.CertificateDER)
	return sum[:]
}

// Certificate parses and returns the identity's X.509 certificate.
func (p *PublicIdentity) Certificate() (*x509.Certificate, error) {
	return x509.ParseCertificate(p.CertificateDER)
}

// Verify checks the identity's self-signature.
func (p *PublicIdentity) Verify() error {
	cert, err := p.Certificate()
	if err != nil {
		return fmt.Errorf("identity: malformed certificate: %v", err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return errors.New("identity: certificate key is not ed25519")
	}
	digest, err := p.signingDigest()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest, p.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Marshal serializes the identity with CBOR.
func (p *PublicIdentity) Marshal() ([]byte, error) {
	return cbor.Marshal(p)
}

// Unmarshal deserializes the identity from CBOR.
func (p *PublicIdentity) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, p)
}

func (p *PublicIdentity) signingDigest() ([]byte, error) {
	unsigned := *p
	unsigned.Signature = nil
	b, err := cbor.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to serialize for signing: %v", err)
	}
	return b, nil
}

// Identity is a local identity, including the private key material.
type Identity struct {
	Public PublicIdentity

	privateKey ed25519.PrivateKey
}

// TLSCertificate returns the identity as a TLS certificate suitable for
// mutual authentication.
func (i *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{i.Public.CertificateDER},
		PrivateKey:  i.privateKey,
	}
}

// New generates a fresh identity bound to the given nickname and hidden
// address.
func New(nickname, hiddenAddress string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hiddenAddress},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certificateLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}

	secret := make([]byte, accessSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	i := &Identity{
		Public: PublicIdentity{
			Nickname:       nickname,
			CertificateDER: certDER,
			HiddenAddress:  hiddenAddress,
			AccessSecret:   secret,
		},
		privateKey: priv,
	}
	digest, err := i.Public.signingDigest()
	if err != nil {
		return nil, err
	}
	i.Public.Signature = ed25519.Sign(priv, digest)
	return i, nil
}

// Save persists the identity under dir.
func (i *Identity) Save(dir string) error {
	const fileMode = 0600

	keyDER, err := x509.MarshalPKCS8PrivateKey(i.privateKey)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), keyPEM, fileMode); err != nil {
		return err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.Public.CertificateDER})
	if err := os.WriteFile(filepath.Join(dir, certificateFile), certPEM, fileMode); err != nil {
		return err
	}

	b, err := i.Public.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, publicIdentityFile), b, fileMode)
}

// Load restores a previously saved identity from dir.  os.ErrNotExist is
// returned when no identity has been persisted yet.
func Load(dir string) (*Identity, error) {
	keyPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, err
	}
	blk, _ := pem.Decode(keyPEM)
	if blk == nil {
		return nil, errors.New("identity: malformed private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("identity: private key is not ed25519")
	}

	b, err := os.ReadFile(filepath.Join(dir, publicIdentityFile))
	if err != nil {
		return nil, err
	}
	i := &Identity{privateKey: priv}
	if err := i.Public.Unmarshal(b); err != nil {
		return nil, err
	}
	if err := i.Public.Verify(); err != nil {
		return nil, err
	}

	// The shareable certificate PEM must agree with the identity; a
	// mismatch means the directory was tampered with or mixed up.
	certPEM, err := os.ReadFile(filepath.Join(dir, certificateFile))
	if err != nil {
		// Deliberately not a bare not-exist error: a key without its
		// certificate is a damaged identity, not an absent one.
		return nil, fmt.Errorf("identity: certificate PEM unreadable: %v", err)
	}
	blk, _ = pem.Decode(certPEM)
	if blk == nil || blk.Type != "CERTIFICATE" {
		return nil, errors.New("identity: malformed certificate PEM")
	}
	if !bytes.Equal(blk.Bytes, i.Public.CertificateDER) {
		return nil, errors.New("identity: certificate PEM does not match identity")
	}
	return i, nil
}
