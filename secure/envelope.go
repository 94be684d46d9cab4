// Package secure implements the symmetric crypto envelope applied to
// message payloads, and the X25519 key agreement that establishes its
// keys during the connection handshake.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
	"sync"

	"github.com/tempest-io/tempest/wire"
)

var (
	ErrBadKeyLength   = errors.New("secure: key must be 32 bytes")
	ErrBadCiphertext  = errors.New("secure: ciphertext is not block-aligned")
	ErrBadIVLength    = errors.New("secure: wrong iv length")
	ErrUnknownSigHash = errors.New("secure: unknown signing hash algorithm")
)

// NewHashFunc resolves a signing hash name ("SHA256", "SHA512") to its
// constructor.
func NewHashFunc(name string) (func() hash.Hash, error) {
	switch strings.ToUpper(name) {
	case "", "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSigHash, name)
	}
}

// Envelope seals and opens message payloads with AES-256-CBC plus an
// HMAC tag. One envelope belongs to one connection; its mutex makes
// IV generation and encryptor setup a single atomic section so that a
// concurrent send and receive never interleave inside it.
type Envelope struct {
	mu      sync.Mutex
	block   cipher.Block
	macKey  []byte
	newHash func() hash.Hash
	macSize int
	rand    io.Reader
}

// NewEnvelope builds an envelope from a 32-byte AES key, a 32-byte HMAC
// key, and a signing hash name (empty means SHA256).
func NewEnvelope(aesKey, macKey []byte, signingHash string) (*Envelope, error) {
	if len(aesKey) != 32 || len(macKey) != 32 {
		return nil, ErrBadKeyLength
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	newHash, err := NewHashFunc(signingHash)
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(macKey))
	copy(key, macKey)
	return &Envelope{
		block:   block,
		macKey:  key,
		newHash: newHash,
		macSize: newHash().Size(),
		rand:    rand.Reader,
	}, nil
}

// IVLength returns the AES block size: the per-message IV length.
func (e *Envelope) IVLength() int { return aes.BlockSize }

// Overhead returns the HMAC tag length appended to authenticated frames.
func (e *Envelope) Overhead() int { return e.macSize }

// Encrypt seals the writer's tail in place. The region
// [headerLength .. w.Len()) is zero-padded to a block multiple and
// encrypted with a fresh random IV, which is then inserted at
// headerLength.
func (e *Envelope) Encrypt(w *wire.Writer, headerLength int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rem := (w.Len() - headerLength) % aes.BlockSize; rem != 0 {
		w.Pad(aes.BlockSize - rem)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}

	body := w.Bytes()[headerLength:]
	cipher.NewCBCEncrypter(e.block, iv).CryptBlocks(body, body)
	w.InsertBytes(headerLength, iv, 0, aes.BlockSize)
	return nil
}

// Decrypt opens ciphertext into a fresh buffer using the frame's IV.
func (e *Envelope) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, ErrBadIVLength
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadCiphertext
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(e.block, iv).CryptBlocks(plain, ciphertext)
	return plain, nil
}

// Sign computes the HMAC tag over data.
func (e *Envelope) Sign(data []byte) []byte {
	mac := hmac.New(e.newHash, e.macKey)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify checks sig against the expected tag for data. The comparison is
// constant-time with respect to the position of the first mismatch; a
// length mismatch rejects outright.
func (e *Envelope) Verify(data, sig []byte) bool {
	expected := e.Sign(data)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, sig) == 1
}
