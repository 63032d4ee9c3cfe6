// Package outpace holds the channel-state rules shared by both validators:
// how balances are committed to, how fees are split, which transitions are
// valid and how closely two balance views agree.
package outpace

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/outpace-network/validatorx/pkg/merkle"
	"github.com/outpace-network/validatorx/pkg/types"
)

var (
	ErrInvalidAddress   = errors.New("outpace: invalid address")
	ErrInvalidChannelID = errors.New("outpace: channel id must be a 32 byte hex string")
)

var (
	addressTy, _      = abi.NewType("address", "", nil)
	addressSliceTy, _ = abi.NewType("address[]", "", nil)
	uint256Ty, _      = abi.NewType("uint256", "", nil)
	bytes32Ty, _      = abi.NewType("bytes32", "", nil)

	leafArgs      = abi.Arguments{{Type: addressTy}, {Type: uint256Ty}}
	stateRootArgs = abi.Arguments{{Type: bytes32Ty}, {Type: bytes32Ty}}
)

// BalanceKey returns the checksummed form of an address-like identity.
func BalanceKey(id string) (string, bool) {
	if !common.IsHexAddress(id) {
		return "", false
	}
	return common.HexToAddress(id).Hex(), true
}

// BalanceLeaf is keccak256(abi.encode(address, uint256)).
func BalanceLeaf(addr string, amount *big.Int) (common.Hash, error) {
	if !common.IsHexAddress(addr) {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	packed, err := leafArgs.Pack(common.HexToAddress(addr), amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode balance leaf: %w", err)
	}
	return merkle.Keccak256(packed), nil
}

// BalanceTree commits to every entry of balances.
func BalanceTree(balances types.Balances) (*merkle.Tree, error) {
	leaves := make([]common.Hash, 0, len(balances))
	for _, k := range balances.Keys() {
		leaf, err := BalanceLeaf(k, balances.Get(k))
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	return merkle.New(leaves), nil
}

func ParseChannelID(id string) (common.Hash, error) {
	raw := strings.TrimPrefix(id, "0x")
	if len(raw) != 64 {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidChannelID, id)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidChannelID, id)
	}
	return common.BytesToHash(b), nil
}

// SignableStateRoot binds a Merkle root to a channel:
// keccak256(abi.encode(bytes32 channelId, bytes32 root)).
func SignableStateRoot(channelID, root common.Hash) (common.Hash, error) {
	packed, err := stateRootArgs.Pack(channelID, root)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode state root: %w", err)
	}
	return merkle.Keccak256(packed), nil
}

// StateRoot returns the raw state root for balances.
func StateRoot(channelID string, balances types.Balances) (common.Hash, error) {
	id, err := ParseChannelID(channelID)
	if err != nil {
		return common.Hash{}, err
	}
	tree, err := BalanceTree(balances)
	if err != nil {
		return common.Hash{}, err
	}
	return SignableStateRoot(id, tree.Root())
}

// StateRootHex is StateRoot as 64 lowercase hex characters, the form carried
// in validator messages.
func StateRootHex(channelID string, balances types.Balances) (string, error) {
	root, err := StateRoot(channelID, balances)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(root[:]), nil
}

// DecodeStateRoot parses the message form back into raw bytes.
func DecodeStateRoot(s string) ([]byte, error) {
	if len(s) != types.StateRootLen {
		return nil, types.ErrMalformedMessage
	}
	return hex.DecodeString(s)
}

// HeartbeatStateRoot commits to a point in time: a single-leaf tree holding
// the millisecond timestamp right-aligned in 32 bytes.
func HeartbeatStateRoot(channelID string, ts time.Time) (common.Hash, error) {
	id, err := ParseChannelID(channelID)
	if err != nil {
		return common.Hash{}, err
	}
	var leaf common.Hash
	binary.BigEndian.PutUint64(leaf[24:], uint64(ts.UnixMilli()))
	return SignableStateRoot(id, merkle.New([]common.Hash{leaf}).Root())
}

// rejectDomain keeps RejectState digests apart from state roots, so a signed
// rejection can never be replayed as an approval.
var rejectDomain = []byte("outpace.RejectState")

// RejectDigest is what the follower signs when it rejects stateRoot:
// keccak256(domain, root, reason, uint64 unix millis).
func RejectDigest(stateRoot, reason string, ts time.Time) ([]byte, error) {
	root, err := DecodeStateRoot(stateRoot)
	if err != nil {
		return nil, err
	}
	var millis [8]byte
	binary.BigEndian.PutUint64(millis[:], uint64(ts.UnixMilli()))
	return merkle.Keccak256(rejectDomain, root, []byte(reason), millis[:]).Bytes(), nil
}

// BalanceProof is an inclusion proof for one beneficiary's balance, usable
// for withdrawals against an approved state.
type BalanceProof struct {
	Address   string                 `json:"address"`
	Amount    *big.Int               `json:"amount"`
	StateRoot string                 `json:"stateRoot"`
	Proof     *merkle.InclusionProof `json:"proof"`
}

func NewBalanceProof(channelID string, balances types.Balances, addr string) (*BalanceProof, error) {
	key, ok := BalanceKey(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	amount, ok := balances[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", merkle.ErrLeafMissing, key)
	}
	tree, err := BalanceTree(balances)
	if err != nil {
		return nil, err
	}
	leaf, err := BalanceLeaf(key, amount)
	if err != nil {
		return nil, err
	}
	proof, err := tree.Proof(leaf)
	if err != nil {
		return nil, err
	}
	root, err := StateRootHex(channelID, balances)
	if err != nil {
		return nil, err
	}
	return &BalanceProof{Address: key, Amount: new(big.Int).Set(amount), StateRoot: root, Proof: proof}, nil
}

// VerifyBalanceProof checks p against a state root for channelID.
func VerifyBalanceProof(channelID string, p *BalanceProof) bool {
	if p == nil || p.Proof == nil {
		return false
	}
	leaf, err := BalanceLeaf(p.Address, p.Amount)
	if err != nil || leaf != p.Proof.Leaf {
		return false
	}
	if !merkle.VerifyProof(p.Proof, p.Proof.Root) {
		return false
	}
	id, err := ParseChannelID(channelID)
	if err != nil {
		return false
	}
	signable, err := SignableStateRoot(id, p.Proof.Root)
	if err != nil {
		return false
	}
	return hex.EncodeToString(signable[:]) == p.StateRoot
}
