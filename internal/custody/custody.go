// Package custody mints ledger keypairs and keeps their secrets encrypted at rest.
//
// Secrets are sealed with XChaCha20-Poly1305 under a key derived from the
// server secret. Each call draws a fresh random nonce, so sealing the same
// seed twice yields different ciphertexts. The owning public key is bound as
// additional data: a ciphertext copied onto another account row fails to open.
package custody

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/stellar/go/keypair"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/rentvault/rentvault/internal/failure"
)

// MinSecretLength is the shortest server secret accepted at startup.
const MinSecretLength = 32

const (
	sealVersion = "v1."
	hkdfInfo    = "rentvault/custody/v1"
)

var (
	ErrMissingSecret = failure.New(failure.KindConfiguration, "custody: KEY_ENCRYPTION_SECRET is not set")
	ErrShortSecret   = failure.New(failure.KindConfiguration, "custody: KEY_ENCRYPTION_SECRET must be at least 32 bytes")
	ErrCiphertext    = errors.New("custody: ciphertext is malformed or was sealed for another key")
)

// Custodian generates keypairs and reveals their secrets for signing.
type Custodian struct {
	aead cipher.AEAD
}

// New derives the sealing key from the server secret. A missing or short
// secret is a configuration failure and must stop the process.
func New(secret string) (*Custodian, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("custody: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("custody: init cipher: %w", err)
	}
	return &Custodian{aead: aead}, nil
}

// Generate creates a fresh keypair and returns its public key along with the
// sealed secret seed. The plaintext seed never leaves this call.
func (c *Custodian) Generate() (publicKey, encryptedSecret string, err error) {
	kp, err := keypair.Random()
	if err != nil {
		return "", "", fmt.Errorf("custody: generate keypair: %w", err)
	}
	sealed, err := c.seal(kp.Address(), kp.Seed())
	if err != nil {
		return "", "", err
	}
	return kp.Address(), sealed, nil
}

// Reveal opens a sealed secret. publicKey must be the account the secret
// was sealed for.
func (c *Custodian) Reveal(publicKey, encryptedSecret string) (string, error) {
	if !strings.HasPrefix(encryptedSecret, sealVersion) {
		return "", ErrCiphertext
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(encryptedSecret, sealVersion))
	if err != nil {
		return "", ErrCiphertext
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", ErrCiphertext
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], []byte(publicKey))
	if err != nil {
		return "", ErrCiphertext
	}
	return string(plain), nil
}

// WithKeypair reveals the secret and hands the parsed keypair to fn. The
// keypair is only reachable inside fn; signing code should not retain it.
func (c *Custodian) WithKeypair(publicKey, encryptedSecret string, fn func(kp *keypair.Full) error) error {
	seed, err := c.Reveal(publicKey, encryptedSecret)
	if err != nil {
		return err
	}
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		return fmt.Errorf("custody: parse seed: %w", err)
	}
	if kp.Address() != publicKey {
		return ErrCiphertext
	}
	return fn(kp)
}

func (c *Custodian) seal(publicKey, seed string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(seed)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("custody: read nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(seed), []byte(publicKey))
	return sealVersion + base64.RawURLEncoding.EncodeToString(out), nil
}
