package merkle

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// InclusionProof carries the sibling hashes from a leaf up to the root.
// Pairs are hashed in sorted order so no left/right flags are needed.
type InclusionProof struct {
	Leaf     common.Hash   `json:"leaf"`
	Root     common.Hash   `json:"root"`
	Siblings []common.Hash `json:"siblings"`
}

// Proof builds the inclusion proof for leaf.
func (t *Tree) Proof(leaf common.Hash) (*InclusionProof, error) {
	base := t.levels[0]
	if len(base) == 0 {
		return nil, ErrEmptyTree
	}
	idx := sort.Search(len(base), func(i int) bool { return bytes.Compare(base[i][:], leaf[:]) >= 0 })
	if idx == len(base) || base[idx] != leaf {
		return nil, ErrLeafMissing
	}

	proof := &InclusionProof{Leaf: leaf, Root: t.Root()}
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof.Siblings = append(proof.Siblings, level[sibling])
		}
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from leaf and siblings and compares it with root.
func Verify(leaf, root common.Hash, siblings []common.Hash) bool {
	h := leaf
	for _, s := range siblings {
		h = HashPair(h, s)
	}
	return h == root
}

// VerifyProof checks p against an externally trusted root.
func VerifyProof(p *InclusionProof, expectedRoot common.Hash) bool {
	if p == nil || p.Root != expectedRoot {
		return false
	}
	return Verify(p.Leaf, expectedRoot, p.Siblings)
}
