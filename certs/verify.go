package certs

import (
	"errors"
	"time"

	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

var (
	// ErrNoTrustedRoot means no certificate in the chain is a self-signed,
	// unexpired match for the trusted root hash.
	ErrNoTrustedRoot = errors.New("certs: no self-signed certificate matches the trusted root hash")
	// ErrUntrusted means This (or some ancestor) could not be reached by
	// transitive issuance from the trusted root.
	ErrUntrusted = errors.New("certs: chain does not trust its leaf certificate")
	// ErrBadSignature means some certificate's signature does not verify
	// under its claimed issuer.
	ErrBadSignature = errors.New("certs: certificate signature verification failed")
	// ErrExpired means some certificate needed for trust propagation has expired.
	ErrExpired = errors.New("certs: certificate expired")
)

// Verify checks the chain against trustedRootHash as of now, per spec §3:
//
//   - some certificate in the chain is self-signed, unexpired, and its
//     public key hashes to trustedRootHash;
//   - every other certificate is signed by some already-trusted device
//     whose certificate in the chain has CanIssue = true and is unexpired,
//     with trust propagating transitively from the root;
//   - This must itself end up trusted by that propagation.
func (c CertificateChain) Verify(trustedRootHash wire.Hash, now time.Time) error {
	all := c.all()

	// Trusted accumulates certificates (keyed by raw public key bytes) reached by
	// transitive issuance starting at the root.
	trusted := make(map[string]Certificate)

	// Find the root: self-signed, unexpired, hash matches.
	var rootFound bool
	for _, cert := range all {
		if xcrypto.HashOfPublicKey(cert.PK) != trustedRootHash {
			continue
		}
		body, err := cert.signedBytes()
		if err != nil {
			return err
		}
		if err := xcrypto.VerifySignature(cert.PK, body, cert.Signature); err != nil {
			continue
		}
		if cert.Expired(now) {
			continue
		}
		trusted[pkKey(cert.PK)] = cert
		rootFound = true
		break
	}
	if !rootFound {
		return ErrNoTrustedRoot
	}

	// Repeatedly extend trust: a certificate becomes trusted if it is
	// signed by a public key that is already trusted and whose trusted
	// certificate has CanIssue = true and is unexpired. Iterate to a
	// fixed point since chain order is not guaranteed to be
	// issuance-order.
	changed := true
	for changed {
		changed = false
		for _, cert := range all {
			k := pkKey(cert.PK)
			if _, already := trusted[k]; already {
				continue
			}
			body, err := cert.signedBytes()
			if err != nil {
				return err
			}
			for issuerKey, issuerCert := range trusted {
				if !issuerCert.CanIssue {
					continue
				}
				if issuerCert.Expired(now) {
					continue
				}
				if xcrypto.VerifySignature([]byte(issuerCert.PK), body, cert.Signature) == nil {
					_ = issuerKey
					trusted[k] = cert
					changed = true
					break
				}
			}
		}
	}

	if _, ok := trusted[pkKey(c.This.PK)]; !ok {
		return ErrUntrusted
	}
	return nil
}

func pkKey(pk []byte) string {
	return string(pk)
}
