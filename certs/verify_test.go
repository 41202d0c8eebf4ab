package certs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSelfSignedRootVerifiesAgainstOwnHash(t *testing.T) {
	root, err := NewDeviceSecret()
	require.NoError(t, err)

	rootCert, err := SelfSign(root, time.Now().Add(time.Hour), true)
	require.NoError(t, err)

	chain := CertificateChain{This: rootCert}
	require.NoError(t, chain.Verify(root.Hash(), time.Now()))
}

func TestLeafViaNonIssuingIntermediateFailsChainVerification(t *testing.T) {
	root, err := NewDeviceSecret()
	require.NoError(t, err)
	intermediate, err := NewDeviceSecret()
	require.NoError(t, err)
	leaf, err := NewDeviceSecret()
	require.NoError(t, err)

	rootCert, err := SelfSign(root, time.Now().Add(time.Hour), true)
	require.NoError(t, err)
	intermediateCert, err := Issue(root, intermediate.Public(), time.Now().Add(time.Hour), false)
	require.NoError(t, err)
	leafCert, err := Issue(intermediate, leaf.Public(), time.Now().Add(time.Hour), false)
	require.NoError(t, err)

	chain := CertificateChain{
		Ancestors: []Certificate{rootCert, intermediateCert},
		This:      leafCert,
	}
	err = chain.Verify(root.Hash(), time.Now())
	require.ErrorIs(t, err, ErrUntrusted)
}

func TestLeafViaIssuingIntermediateVerifies(t *testing.T) {
	root, err := NewDeviceSecret()
	require.NoError(t, err)
	intermediate, err := NewDeviceSecret()
	require.NoError(t, err)
	leaf, err := NewDeviceSecret()
	require.NoError(t, err)

	rootCert, err := SelfSign(root, time.Now().Add(time.Hour), true)
	require.NoError(t, err)
	intermediateCert, err := Issue(root, intermediate.Public(), time.Now().Add(time.Hour), true)
	require.NoError(t, err)
	leafCert, err := Issue(intermediate, leaf.Public(), time.Now().Add(time.Hour), false)
	require.NoError(t, err)

	chain := CertificateChain{
		Ancestors: []Certificate{rootCert, intermediateCert},
		This:      leafCert,
	}
	require.NoError(t, chain.Verify(root.Hash(), time.Now()))
}

func TestExpiredRootDoesNotVerify(t *testing.T) {
	root, err := NewDeviceSecret()
	require.NoError(t, err)
	rootCert, err := SelfSign(root, time.Now().Add(-time.Hour), true)
	require.NoError(t, err)

	chain := CertificateChain{This: rootCert}
	err = chain.Verify(root.Hash(), time.Now())
	require.ErrorIs(t, err, ErrNoTrustedRoot)
}

func TestWrongRootHashDoesNotVerify(t *testing.T) {
	root, err := NewDeviceSecret()
	require.NoError(t, err)
	other, err := NewDeviceSecret()
	require.NoError(t, err)
	rootCert, err := SelfSign(root, time.Now().Add(time.Hour), true)
	require.NoError(t, err)

	chain := CertificateChain{This: rootCert}
	err = chain.Verify(other.Hash(), time.Now())
	require.ErrorIs(t, err, ErrNoTrustedRoot)
}
