package adapter

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Ethereum signs with a secp256k1 key using personal_sign (EIP-191) framing,
// so signatures can be checked by the on-chain contract.
type Ethereum struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewEthereum(key *ecdsa.PrivateKey) *Ethereum {
	return &Ethereum{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// LoadKeystore decrypts a V3 keystore file.
func LoadKeystore(path, password string) (*Ethereum, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: keystore file not configured", ErrNoIdentity)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(raw, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return NewEthereum(key.PrivateKey), nil
}

// WhoAmI returns the checksummed address.
func (e *Ethereum) WhoAmI() string { return e.address.Hex() }

func (e *Ethereum) Sign(stateRoot []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(stateRoot), e.key)
	if err != nil {
		return "", fmt.Errorf("sign state root: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func (e *Ethereum) Verify(signer string, stateRoot []byte, signature string) (bool, error) {
	return VerifyEthereum(signer, stateRoot, signature)
}

// VerifyEthereum recovers the signer address from signature and compares it.
func VerifyEthereum(signer string, stateRoot []byte, signature string) (bool, error) {
	if !common.IsHexAddress(signer) {
		return false, fmt.Errorf("%w: signer %q is not an address", ErrInvalidSignature, signer)
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return false, nil
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(stateRoot), sig)
	if err != nil {
		return false, nil
	}
	return ethcrypto.PubkeyToAddress(*pub) == common.HexToAddress(signer), nil
}
