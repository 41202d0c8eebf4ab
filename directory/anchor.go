package directory

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/nullspace-msg/sealmsg/wire"
)

// AnchorSigner produces the COSE_Sign1 signature over a directory's Anchor,
// the same shape the teacher's RootSigner uses over an MMR root state, here
// applied to the (directory_id, last_header_height, last_header_hash) tuple
// instead of an MMR peak set.
type AnchorSigner struct {
	signer cose.Signer
}

// NewAnchorSigner wraps the directory's stable Ed25519 key.
func NewAnchorSigner(sk ed25519.PrivateKey) (*AnchorSigner, error) {
	signer, err := cose.NewSigner(cose.AlgorithmEdDSA, sk)
	if err != nil {
		return nil, fmt.Errorf("directory: cose signer: %w", err)
	}
	return &AnchorSigner{signer: signer}, nil
}

// Sign fills in a's Signature field with a COSE_Sign1 message over a's
// canonical tuple.
func (s *AnchorSigner) Sign(a wire.Anchor) (wire.Anchor, error) {
	body, err := a.SignedBytes()
	if err != nil {
		return wire.Anchor{}, err
	}

	msg := cose.Sign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmEdDSA,
			},
		},
		Payload: body,
	}
	if err := msg.Sign(rand.Reader, nil, s.signer); err != nil {
		return wire.Anchor{}, fmt.Errorf("directory: sign anchor: %w", err)
	}

	encoded, err := msg.MarshalCBOR()
	if err != nil {
		return wire.Anchor{}, err
	}
	a.Signature = encoded
	return a, nil
}

// VerifyAnchor checks a's COSE_Sign1 signature under pk and that the signed
// payload matches a's own fields (guards against a caller swapping in a
// signature from a different anchor entirely).
func VerifyAnchor(pk ed25519.PublicKey, a wire.Anchor) error {
	verifier, err := cose.NewVerifier(cose.AlgorithmEdDSA, pk)
	if err != nil {
		return fmt.Errorf("directory: cose verifier: %w", err)
	}

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(a.Signature); err != nil {
		return fmt.Errorf("directory: unmarshal anchor signature: %w", err)
	}

	want, err := a.SignedBytes()
	if err != nil {
		return err
	}
	if !bytes.Equal(msg.Payload, want) {
		return fmt.Errorf("directory: anchor payload does not match signed fields")
	}

	return msg.Verify(nil, verifier)
}
