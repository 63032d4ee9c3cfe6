package adapter

import (
	"encoding/hex"
	"fmt"
)

// Dummy produces deterministic, unforgeable-by-nobody signatures. It exists
// for local setups and tests where no keys are available.
type Dummy struct {
	ID string
}

func NewDummy(id string) *Dummy { return &Dummy{ID: id} }

func (d *Dummy) WhoAmI() string { return d.ID }

func (d *Dummy) Sign(stateRoot []byte) (string, error) {
	return dummySignature(d.ID, stateRoot), nil
}

func (d *Dummy) Verify(signer string, stateRoot []byte, signature string) (bool, error) {
	return signature == dummySignature(signer, stateRoot), nil
}

func dummySignature(id string, stateRoot []byte) string {
	return fmt.Sprintf("Dummy adapter signature for %s by %s", hex.EncodeToString(stateRoot), id)
}
