package xcrypto

import (
	"testing"

	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/stretchr/testify/require"
)

func TestSMTEmptyTreeHasExclusionProof(t *testing.T) {
	tree := NewSMT()
	k := Hash([]byte("some-key"))

	proof := tree.Proof(k)
	require.False(t, proof.Included)
	require.True(t, VerifyProof(tree.Root(), k, wire.Hash{}, proof))
}

func TestSMTPutThenInclusionProofVerifies(t *testing.T) {
	tree := NewSMT()
	k := Hash([]byte("@alice01"))
	v := Hash([]byte("history-v1"))

	tree.Put(k, v)
	root := tree.Root()

	proof := tree.Proof(k)
	require.True(t, proof.Included)
	require.True(t, VerifyProof(root, k, v, proof))

	// A different value must not verify against the same proof/root.
	require.False(t, VerifyProof(root, k, Hash([]byte("other")), proof))
}

func TestSMTProofDoesNotVerifyAgainstStaleRoot(t *testing.T) {
	tree := NewSMT()
	k := Hash([]byte("@bob01"))
	v := Hash([]byte("history-v1"))

	staleRoot := tree.Root()
	tree.Put(k, v)

	proof := tree.Proof(k)
	require.False(t, VerifyProof(staleRoot, k, v, proof))
}

func TestSMTMultipleKeysIndependentlyProvable(t *testing.T) {
	tree := NewSMT()
	keys := []string{"@alice01", "@bob0001", "@carol01"}
	for i, ks := range keys {
		tree.Put(Hash([]byte(ks)), Hash([]byte{byte(i)}))
	}
	root := tree.Root()
	for i, ks := range keys {
		k := Hash([]byte(ks))
		proof := tree.Proof(k)
		require.True(t, proof.Included)
		require.True(t, VerifyProof(root, k, Hash([]byte{byte(i)}), proof))
	}
}
