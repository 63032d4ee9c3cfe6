package merkle

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	ErrEmptyTree   = errors.New("merkle: tree has no leaves")
	ErrLeafMissing = errors.New("merkle: leaf not in tree")
)

// Tree is a keccak256 Merkle tree whose shape depends only on the set of
// leaves: leaves are de-duplicated and sorted, and each parent hashes its
// children in ascending byte order. An unpaired node is promoted as-is.
type Tree struct {
	levels [][]common.Hash
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// HashPair combines two nodes independent of their order.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return Keccak256(a[:], b[:])
}

func New(leaves []common.Hash) *Tree {
	sorted := make([]common.Hash, 0, len(leaves))
	seen := make(map[common.Hash]struct{}, len(leaves))
	for _, l := range leaves {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		sorted = append(sorted, l)
	}
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })

	t := &Tree{levels: [][]common.Hash{sorted}}
	for level := sorted; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Root returns the zero hash for an empty tree.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return common.Hash{}
	}
	return top[0]
}

func (t *Tree) Len() int { return len(t.levels[0]) }
