package xcrypto

import (
	"fmt"

	"github.com/nullspace-msg/sealmsg/wire"
)

// SMT is a sparse Merkle tree over a 256-bit key space (key = BLAKE3(key
// string)), as used by the directory to commit its set of per-key
// histories (spec §4.1). It keeps only the non-default nodes, addressed by
// (depth, path-prefix), and recomputes default (empty-subtree) hashes once.
//
// No pack example ships a general-purpose SMT library; this is a small,
// from-scratch implementation grounded on the CONIKS-style prefix Merkle
// tree design (see DESIGN.md), sized to the 256-bit BLAKE3 key space this
// module uses everywhere else.
type SMT struct {
	depth    int
	nodes    map[string]wire.Hash // "depth:prefix" -> node hash, non-default only
	defaults []wire.Hash          // defaults[d] = hash of an empty subtree rooted at depth d
}

// NewSMT builds an empty 256-level sparse Merkle tree.
func NewSMT() *SMT {
	const depth = 256
	defaults := make([]wire.Hash, depth+1)
	defaults[depth] = Hash([]byte("sealmsg-smt-empty-leaf"))
	for d := depth - 1; d >= 0; d-- {
		defaults[d] = hashPair(defaults[d+1], defaults[d+1])
	}
	return &SMT{depth: depth, nodes: make(map[string]wire.Hash), defaults: defaults}
}

func hashPair(l, r wire.Hash) wire.Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, l[:]...)
	buf = append(buf, r[:]...)
	return Hash(buf)
}

// Clone returns a deep copy of the tree, so speculative Puts (e.g. while a
// caller is still deciding whether to commit them) never touch the
// original.
func (t *SMT) Clone() *SMT {
	nodes := make(map[string]wire.Hash, len(t.nodes))
	for k, v := range t.nodes {
		nodes[k] = v
	}
	return &SMT{depth: t.depth, nodes: nodes, defaults: t.defaults}
}

// Root returns the current root hash of the tree.
func (t *SMT) Root() wire.Hash {
	return t.nodeAt(0, "")
}

func (t *SMT) nodeAt(depth int, prefix string) wire.Hash {
	if h, ok := t.nodes[key(depth, prefix)]; ok {
		return h
	}
	return t.defaults[depth]
}

func key(depth int, prefix string) string {
	return fmt.Sprintf("%d:%s", depth, prefix)
}

// pathBits renders the 256-bit key as a string of '0'/'1' characters, MSB
// first, used as the tree's descent path.
func pathBits(k wire.Hash) string {
	bits := make([]byte, 256)
	for i, b := range k {
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				bits[i*8+bit] = '1'
			} else {
				bits[i*8+bit] = '0'
			}
		}
	}
	return string(bits)
}

// Put inserts or overwrites the leaf at k with the hash of the canonical
// value encoding, updating every ancestor hash up to the root.
func (t *SMT) Put(k wire.Hash, valueHash wire.Hash) {
	path := pathBits(k)
	t.nodes[key(t.depth, path)] = valueHash
	for d := t.depth - 1; d >= 0; d-- {
		childPath := path[:d+1]
		parentPath := path[:d]
		sibling := flip(childPath[len(childPath)-1])
		left, right := childPath, parentPath+string(sibling)
		if childPath[len(childPath)-1] == '1' {
			left, right = parentPath+string(sibling), childPath
		}
		t.nodes[key(d, parentPath)] = hashPair(t.nodeAt(d+1, left), t.nodeAt(d+1, right))
	}
}

func flip(b byte) byte {
	if b == '0' {
		return '1'
	}
	return '0'
}

// Proof returns the inclusion/exclusion proof for key k: the sibling
// hash at every level from the leaf up to (but not including) the root,
// plus whether the tree currently holds a non-default leaf for k.
func (t *SMT) Proof(k wire.Hash) wire.SMTProof {
	path := pathBits(k)
	siblings := make([]wire.Hash, t.depth)
	for d := t.depth; d >= 1; d-- {
		childPath := path[:d]
		siblingPath := childPath[:d-1] + string(flip(childPath[d-1]))
		siblings[t.depth-d] = t.nodeAt(d, siblingPath)
	}
	_, included := t.nodes[key(t.depth, path)]
	return wire.SMTProof{Included: included, Siblings: siblings}
}

// VerifyProof recomputes the root implied by (k, valueHash or the empty
// leaf default for an exclusion proof, proof) and compares it to root.
func VerifyProof(root wire.Hash, k wire.Hash, valueHash wire.Hash, proof wire.SMTProof) bool {
	empty := NewSMT() // only used for its precomputed defaults table
	depth := empty.depth
	path := pathBits(k)
	cur := valueHash
	if !proof.Included {
		cur = empty.defaults[depth]
	}
	if len(proof.Siblings) != depth {
		return false
	}
	for d := depth; d >= 1; d-- {
		sibling := proof.Siblings[depth-d]
		if path[d-1] == '1' {
			cur = hashPair(sibling, cur)
		} else {
			cur = hashPair(cur, sibling)
		}
	}
	return cur == root
}
