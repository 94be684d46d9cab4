package secure

import (
	"crypto"
	"crypto/sha512"
	"errors"
	"fmt"

	"github.com/aead/ecdh"
)

// ErrBadPublicKey is returned when a peer's public key is unusable.
var ErrBadPublicKey = errors.New("secure: bad peer public key")

// KeyAgreement holds one side's ephemeral X25519 key pair for the
// handshake. Both sides exchange public keys and derive the same AES and
// HMAC keys from the shared secret.
type KeyAgreement struct {
	kx      ecdh.KeyExchange
	private crypto.PrivateKey
	public  crypto.PublicKey
}

// NewKeyAgreement generates a fresh ephemeral key pair.
func NewKeyAgreement() (*KeyAgreement, error) {
	kx := ecdh.X25519()
	private, public, err := kx.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyAgreement{kx: kx, private: private, public: public}, nil
}

// PublicKey returns the 32-byte public key to send to the peer.
func (k *KeyAgreement) PublicKey() []byte {
	pub := k.public.([32]byte)
	return pub[:]
}

// Derive computes the shared secret against the peer's public key and
// splits SHA-512 of it into the AES key (first half) and the HMAC key
// (second half).
func (k *KeyAgreement) Derive(peerPublic []byte) (aesKey, macKey []byte, err error) {
	if len(peerPublic) != 32 {
		return nil, nil, ErrBadPublicKey
	}
	var pub [32]byte
	copy(pub[:], peerPublic)
	if err := k.kx.Check(pub); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	secret := k.kx.ComputeSecret(k.private, pub)
	sum := sha512.Sum512(secret)
	return sum[:32], sum[32:], nil
}

// DeriveEnvelope runs Derive and wraps the keys in an Envelope.
func (k *KeyAgreement) DeriveEnvelope(peerPublic []byte, signingHash string) (*Envelope, error) {
	aesKey, macKey, err := k.Derive(peerPublic)
	if err != nil {
		return nil, err
	}
	return NewEnvelope(aesKey, macKey, signingHash)
}
