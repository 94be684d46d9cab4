package secure

import (
	"bytes"
	"crypto/aes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tempest-io/tempest/wire"
)

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	aesKey := bytes.Repeat([]byte{0x11}, 32)
	macKey := bytes.Repeat([]byte{0x22}, 32)
	env, err := NewEnvelope(aesKey, macKey, "SHA256")
	require.NoError(t, err)
	return env
}

func TestEnvelopeKeyLength(t *testing.T) {
	_, err := NewEnvelope(make([]byte, 16), make([]byte, 32), "")
	assert.ErrorIs(t, err, ErrBadKeyLength)
	_, err = NewEnvelope(make([]byte, 32), nil, "")
	assert.ErrorIs(t, err, ErrBadKeyLength)
}

func TestUnknownSigningHash(t *testing.T) {
	_, err := NewEnvelope(make([]byte, 32), make([]byte, 32), "MD5")
	assert.ErrorIs(t, err, ErrUnknownSigHash)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	env := testEnvelope(t)

	const headerLength = 7
	w := wire.NewWriter(64)
	w.Pad(headerLength)
	plaintext := []byte("the payload region, not block aligned")
	w.WriteRaw(plaintext)

	require.NoError(t, env.Encrypt(w, headerLength))

	frame := w.Bytes()
	// IV sits immediately after the header; ciphertext follows.
	iv := frame[headerLength : headerLength+aes.BlockSize]
	ciphertext := frame[headerLength+aes.BlockSize:]
	require.Zero(t, len(ciphertext)%aes.BlockSize)
	assert.NotContains(t, string(ciphertext), "payload region")

	plain, err := env.Decrypt(ciphertext, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, plain[:len(plaintext)])
	// Zero padding past the plaintext.
	for _, b := range plain[len(plaintext):] {
		assert.Zero(t, b)
	}
}

func TestEncryptFreshIVPerMessage(t *testing.T) {
	env := testEnvelope(t)
	ivs := make(map[string]bool)
	for i := 0; i < 16; i++ {
		w := wire.NewWriter(64)
		w.Pad(7)
		w.WriteRaw([]byte("same plaintext"))
		require.NoError(t, env.Encrypt(w, 7))
		iv := string(w.Bytes()[7 : 7+aes.BlockSize])
		require.False(t, ivs[iv], "iv reused")
		ivs[iv] = true
	}
}

func TestDecryptRejectsBadInput(t *testing.T) {
	env := testEnvelope(t)
	_, err := env.Decrypt(make([]byte, 15), make([]byte, aes.BlockSize))
	assert.ErrorIs(t, err, ErrBadCiphertext)
	_, err = env.Decrypt(make([]byte, 16), make([]byte, 8))
	assert.ErrorIs(t, err, ErrBadIVLength)
}

func TestSignVerify(t *testing.T) {
	env := testEnvelope(t)
	data := []byte("authenticated bytes")
	sig := env.Sign(data)
	require.Len(t, sig, 32)

	assert.True(t, env.Verify(data, sig))
	assert.False(t, env.Verify(append([]byte{0}, data...), sig))
	assert.False(t, env.Verify(data, sig[:31]), "length mismatch rejects")

	// Any single flipped bit of the tag must reject, regardless of
	// position: verification never short-circuits on a prefix match.
	for i := range sig {
		tampered := make([]byte, len(sig))
		copy(tampered, sig)
		tampered[i] ^= 0x80
		assert.False(t, env.Verify(data, tampered), "flipped byte %d accepted", i)
	}
}

func TestSHA512Envelope(t *testing.T) {
	env, err := NewEnvelope(make([]byte, 32), make([]byte, 32), "SHA512")
	require.NoError(t, err)
	assert.Equal(t, 64, env.Overhead())
	sig := env.Sign([]byte("x"))
	assert.True(t, env.Verify([]byte("x"), sig))
}

func TestKeyAgreementSymmetric(t *testing.T) {
	a, err := NewKeyAgreement()
	require.NoError(t, err)
	b, err := NewKeyAgreement()
	require.NoError(t, err)
	require.Len(t, a.PublicKey(), 32)

	aesA, macA, err := a.Derive(b.PublicKey())
	require.NoError(t, err)
	aesB, macB, err := b.Derive(a.PublicKey())
	require.NoError(t, err)

	assert.Equal(t, aesA, aesB)
	assert.Equal(t, macA, macB)
	assert.Len(t, aesA, 32)
	assert.Len(t, macA, 32)
	assert.NotEqual(t, aesA, macA)
}

func TestKeyAgreementRejectsBadKey(t *testing.T) {
	a, err := NewKeyAgreement()
	require.NoError(t, err)
	_, _, err = a.Derive([]byte("short"))
	assert.ErrorIs(t, err, ErrBadPublicKey)
}

// TestEnvelopeRoundTrip_Property seals and opens arbitrary payload
// regions behind arbitrary header lengths.
func TestEnvelopeRoundTrip_Property(t *testing.T) {
	env := testEnvelope(t)
	rapid.Check(t, func(t *rapid.T) {
		headerLength := rapid.IntRange(0, 64).Draw(t, "headerLength")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "payload")

		w := wire.NewWriter(64)
		w.Pad(headerLength)
		w.WriteRaw(payload)
		if err := env.Encrypt(w, headerLength); err != nil {
			t.Fatalf("encrypt: %v", err)
		}

		frame := w.Bytes()
		iv := frame[headerLength : headerLength+aes.BlockSize]
		plain, err := env.Decrypt(frame[headerLength+aes.BlockSize:], iv)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(plain[:len(payload)], payload) {
			t.Fatalf("plaintext mismatch")
		}
	})
}
