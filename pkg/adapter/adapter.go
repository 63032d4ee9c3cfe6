package adapter

import "errors"

var (
	ErrInvalidSignature = errors.New("adapter: malformed signature")
	ErrNoIdentity       = errors.New("adapter: identity material missing")
)

// Adapter is the validator's signing identity.
type Adapter interface {
	// WhoAmI returns the identity used as the validator id in channel specs.
	WhoAmI() string
	// Sign signs raw state root bytes.
	Sign(stateRoot []byte) (string, error)
	// Verify reports whether signature over stateRoot was produced by signer.
	Verify(signer string, stateRoot []byte, signature string) (bool, error)
}
