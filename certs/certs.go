// Package certs implements the device certificate chain model: a device
// certificate is self-signed (the chain root) or issued by another device
// whose certificate carries CanIssue, and a chain is trusted when it
// transitively reduces to a self-signed, unexpired root matching the
// user's published root_cert_hash (spec §3, "Invariants on a chain C").
package certs

import (
	"time"

	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// DeviceSecret wraps a device's Ed25519 identity key.
type DeviceSecret struct {
	Keys xcrypto.SigningKeyPair
}

// NewDeviceSecret generates a fresh device identity key.
func NewDeviceSecret() (DeviceSecret, error) {
	kp, err := xcrypto.GenerateSigningKeyPair()
	if err != nil {
		return DeviceSecret{}, err
	}
	return DeviceSecret{Keys: kp}, nil
}

// Public returns the device's raw Ed25519 public key.
func (d DeviceSecret) Public() []byte { return []byte(d.Keys.Public) }

// Hash returns BLAKE3(public key), the value a UserDescriptor's
// RootCertHash or a CertificateChain's trust anchor is checked against.
func (d DeviceSecret) Hash() wire.Hash { return xcrypto.HashOfPublicKey(d.Public()) }

// Certificate binds a device public key to an expiry and issuance rights,
// signed either by itself (root) or by another, already-trusted device.
type Certificate struct {
	PK        []byte        `cbor:"1,keyasint"`
	Expiry    NanoTimestamp `cbor:"2,keyasint"`
	CanIssue  bool          `cbor:"3,keyasint"`
	Signature []byte        `cbor:"4,keyasint"`
}

// NanoTimestamp is a plain alias of wire.NanoTimestamp, so certificate
// expiries are the same type as every other timestamp in the module.
type NanoTimestamp = wire.NanoTimestamp

type signedCertTuple struct {
	PK       []byte        `cbor:"1,keyasint"`
	Expiry   NanoTimestamp `cbor:"2,keyasint"`
	CanIssue bool          `cbor:"3,keyasint"`
}

func (c Certificate) signedBytes() ([]byte, error) {
	return wire.Canonical(signedCertTuple{PK: c.PK, Expiry: c.Expiry, CanIssue: c.CanIssue})
}

// Expired reports whether the certificate's expiry has passed as of now.
func (c Certificate) Expired(now time.Time) bool {
	return c.Expiry <= wire.NanoTimestamp(0) || int64(c.Expiry) < now.UnixNano()
}

// SelfSign produces a root certificate: pk = the device's own public key,
// signed by its own private key.
func SelfSign(secret DeviceSecret, expiry time.Time, canIssue bool) (Certificate, error) {
	c := Certificate{PK: secret.Public(), Expiry: wire.NanoTimestamp(expiry.UnixNano()), CanIssue: canIssue}
	body, err := c.signedBytes()
	if err != nil {
		return Certificate{}, err
	}
	c.Signature = secret.Keys.Sign(body)
	return c, nil
}

// Issue mints a certificate for newDevicePK, signed by issuer. The caller
// is responsible for ensuring issuer's own certificate in the chain carries
// CanIssue = true before calling this (spec: "A new-device bundle may be
// issued only by a device whose certificate has can_issue = true").
func Issue(issuer DeviceSecret, newDevicePK []byte, expiry time.Time, canIssue bool) (Certificate, error) {
	c := Certificate{PK: newDevicePK, Expiry: wire.NanoTimestamp(expiry.UnixNano()), CanIssue: canIssue}
	body, err := c.signedBytes()
	if err != nil {
		return Certificate{}, err
	}
	c.Signature = issuer.Keys.Sign(body)
	return c, nil
}

// CertificateChain is an ordered bundle of ancestor certificates plus the
// leaf (This) certificate that authenticates the device presenting the
// chain.
type CertificateChain struct {
	Ancestors []Certificate `cbor:"1,keyasint"`
	This      Certificate   `cbor:"2,keyasint"`
}

// Canonical returns the chain's canonical encoding, used both as the
// "cert_chain" field signed inside a DeviceSigned payload and as the
// opaque SenderChain bytes carried by group messages.
func (c CertificateChain) Canonical() ([]byte, error) {
	return wire.Canonical(c)
}

// LastDevice returns the chain's leaf certificate, the one whose PK
// identifies the presenting device.
func (c CertificateChain) LastDevice() Certificate { return c.This }

// all returns every certificate in the chain, ancestors first then leaf.
func (c CertificateChain) all() []Certificate {
	out := make([]Certificate, 0, len(c.Ancestors)+1)
	out = append(out, c.Ancestors...)
	out = append(out, c.This)
	return out
}
