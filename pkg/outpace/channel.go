package outpace

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gowebpki/jcs"
	"github.com/outpace-network/validatorx/pkg/merkle"
	"github.com/outpace-network/validatorx/pkg/types"
)

var ErrInvalidChannel = errors.New("outpace: invalid channel")

var channelArgs = abi.Arguments{
	{Type: addressTy},      // core contract
	{Type: addressTy},      // creator
	{Type: addressTy},      // deposit asset
	{Type: uint256Ty},      // deposit amount
	{Type: uint256Ty},      // valid until
	{Type: addressSliceTy}, // validators
	{Type: bytes32Ty},      // spec hash
}

// SpecHash is sha256 over the RFC 8785 canonical JSON of the spec.
func SpecHash(spec types.ChannelSpec) (common.Hash, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return common.Hash{}, fmt.Errorf("marshal channel spec: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("canonicalize channel spec: %w", err)
	}
	return sha256.Sum256(canonical), nil
}

// ChannelID derives the id a channel must carry from its immutable fields.
func ChannelID(core common.Address, ch *types.Channel) (string, error) {
	for _, a := range []string{ch.Creator, ch.DepositAsset} {
		if !common.IsHexAddress(a) {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, a)
		}
	}
	validators := make([]common.Address, 0, len(ch.Spec.Validators))
	for _, v := range ch.Spec.Validators {
		if !common.IsHexAddress(v.ID) {
			return "", fmt.Errorf("%w: validator %q", ErrInvalidAddress, v.ID)
		}
		validators = append(validators, common.HexToAddress(v.ID))
	}
	specHash, err := SpecHash(ch.Spec)
	if err != nil {
		return "", err
	}
	packed, err := channelArgs.Pack(
		core,
		common.HexToAddress(ch.Creator),
		common.HexToAddress(ch.DepositAsset),
		ch.Deposit(),
		new(big.Int).SetInt64(ch.ValidUntil),
		validators,
		specHash,
	)
	if err != nil {
		return "", fmt.Errorf("encode channel: %w", err)
	}
	return merkle.Keccak256(packed).Hex(), nil
}

// ChannelRules are the load-time bounds a channel must satisfy.
type ChannelRules struct {
	CoreAddress  common.Address
	MaxSpecBytes int
	// keyed by lower-cased asset address
	MinDeposit map[string]*big.Int
	MinFee     map[string]*big.Int
	// Identity, when set, must be one of the channel's validators.
	Identity string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidChannel, fmt.Sprintf(format, args...))
}

func checksummed(addr string) bool {
	return common.IsHexAddress(addr) && common.HexToAddress(addr).Hex() == addr
}

// ValidateChannel rejects channels that must never be activated.
func ValidateChannel(ch *types.Channel, rules ChannelRules) error {
	if ch == nil {
		return invalid("nil channel")
	}
	if len(ch.Spec.Validators) != 2 {
		return invalid("expected exactly 2 validators, got %d", len(ch.Spec.Validators))
	}
	if !checksummed(ch.Creator) {
		return invalid("creator must be a checksummed address")
	}
	if !common.IsHexAddress(ch.DepositAsset) {
		return invalid("deposit asset must be an address")
	}
	seen := map[string]bool{}
	for _, v := range ch.Spec.Validators {
		if !checksummed(v.ID) {
			return invalid("validator %q must be a checksummed address", v.ID)
		}
		if v.FeeAddr != "" && !checksummed(v.FeeAddr) {
			return invalid("validator feeAddr %q must be a checksummed address", v.FeeAddr)
		}
		if seen[v.ID] {
			return invalid("duplicate validator %s", v.ID)
		}
		seen[v.ID] = true
	}
	if rules.Identity != "" && ch.ValidatorIndex(rules.Identity) < 0 {
		return invalid("we are not a validator of this channel")
	}

	deposit := ch.Deposit()
	if deposit.Sign() <= 0 {
		return invalid("deposit must be positive")
	}
	asset := strings.ToLower(ch.DepositAsset)
	if minDeposit, ok := rules.MinDeposit[asset]; ok && deposit.Cmp(minDeposit) < 0 {
		return invalid("deposit below the minimum of %s", minDeposit)
	}
	totalFee := new(big.Int)
	for _, v := range ch.Spec.Validators {
		fee := v.Fee.Value()
		if minFee, ok := rules.MinFee[asset]; ok && fee.Cmp(minFee) < 0 {
			return invalid("validator fee below the minimum of %s", minFee)
		}
		totalFee.Add(totalFee, fee)
	}
	if totalFee.Cmp(deposit) > 0 {
		return invalid("total validator fees exceed the deposit")
	}

	for evType, b := range ch.Spec.PricingBounds {
		if b.Min.Value().Cmp(b.Max.Value()) > 0 {
			return invalid("pricing bound for %s has min > max", evType)
		}
	}
	if ch.Spec.MinPerImpression != nil && ch.Spec.MaxPerImpression != nil &&
		ch.Spec.MinPerImpression.Value().Cmp(ch.Spec.MaxPerImpression.Value()) > 0 {
		return invalid("minPerImpression > maxPerImpression")
	}

	if rules.MaxSpecBytes > 0 {
		raw, err := json.Marshal(ch.Spec)
		if err != nil {
			return invalid("spec: %v", err)
		}
		if len(raw) > rules.MaxSpecBytes {
			return invalid("spec is %d bytes, limit is %d", len(raw), rules.MaxSpecBytes)
		}
	}

	if _, err := ParseChannelID(ch.ID); err != nil {
		return invalid("%v", err)
	}
	want, err := ChannelID(rules.CoreAddress, ch)
	if err != nil {
		return invalid("%v", err)
	}
	if !strings.EqualFold(want, ch.ID) {
		return invalid("id %s does not match its contents (%s)", ch.ID, want)
	}
	return nil
}
