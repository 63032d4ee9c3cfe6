package adapter_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/outpace-network/validatorx/pkg/adapter"
	"github.com/stretchr/testify/require"
)

var stateRoot = ethcrypto.Keccak256([]byte("state"))

func TestEthereumSignVerify(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	signer := adapter.NewEthereum(key)
	sig, err := signer.Sign(stateRoot)
	require.NoError(t, err)
	require.Len(t, sig, 2+65*2)

	ok, err := signer.Verify(signer.WhoAmI(), stateRoot, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = signer.Verify(adapter.NewEthereum(other).WhoAmI(), stateRoot, sig)
	require.NoError(t, err)
	require.False(t, ok, "signature must not verify for another address")

	ok, err = signer.Verify(signer.WhoAmI(), ethcrypto.Keccak256([]byte("other")), sig)
	require.NoError(t, err)
	require.False(t, ok, "signature must not verify for another state root")

	ok, err = signer.Verify(signer.WhoAmI(), stateRoot, "0xdeadbeef")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = signer.Verify("awesomeLeader", stateRoot, sig)
	require.ErrorIs(t, err, adapter.ErrInvalidSignature)
}

func TestLoadKeystore(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	id, err := uuid.NewRandom()
	require.NoError(t, err)
	k := &keystore.Key{Id: id, Address: ethcrypto.PubkeyToAddress(key.PublicKey), PrivateKey: key}
	raw, err := keystore.EncryptKey(k, "secret", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keystore.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	loaded, err := adapter.LoadKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, k.Address.Hex(), loaded.WhoAmI())

	_, err = adapter.LoadKeystore(path, "wrong")
	require.Error(t, err)

	_, err = adapter.LoadKeystore("", "secret")
	require.ErrorIs(t, err, adapter.ErrNoIdentity)
}

func TestDummySignatures(t *testing.T) {
	leader := adapter.NewDummy("0xce07CbB7e054514D590a0262C93070D838bFBA2e")
	sig, err := leader.Sign(stateRoot)
	require.NoError(t, err)

	ok, err := adapter.NewDummy("someone").Verify(leader.WhoAmI(), stateRoot, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = leader.Verify("someone", stateRoot, sig)
	require.NoError(t, err)
	require.False(t, ok)
}
