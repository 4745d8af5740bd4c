package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

// sealedPrefix marks values produced by SealString so plaintext written by an
// unencrypted client can still be read after a passphrase is configured.
const sealedPrefix = "sealed:"

// ErrSealed is returned when a sealed value is opened without a passphrase.
var ErrSealed = errors.New("value is sealed; passphrase required")

// Box seals small secrets (the session token) at rest.
type Box struct {
	gcm cipher.AEAD
}

type envelope struct {
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

// NewBox derives an AES-256-GCM key from passphrase. An empty passphrase
// yields a nil Box, which passes data through unchanged.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, nil
	}
	salt := sha256.Sum256([]byte("noxchat:" + passphrase))
	key, err := scrypt.Key([]byte(passphrase), salt[:], 1<<15, 8, 1, 32)
	if err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{gcm: gcm}, nil
}

func (b *Box) Encrypt(plaintext []byte) ([]byte, error) {
	if b == nil {
		return plaintext, nil
	}
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	env := envelope{
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		Data:  base64.StdEncoding.EncodeToString(b.gcm.Seal(nil, nonce, plaintext, nil)),
	}
	return json.Marshal(env)
}

func (b *Box) Decrypt(payload []byte) ([]byte, error) {
	if b == nil {
		return payload, nil
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Wrap(err, "envelope")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	if len(nonce) != b.gcm.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, errors.Wrap(err, "ciphertext")
	}
	out, err := b.gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	return out, nil
}

// SealString encrypts s for storage. A nil Box returns s unchanged.
func (b *Box) SealString(s string) (string, error) {
	if b == nil || s == "" {
		return s, nil
	}
	out, err := b.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// OpenString reverses SealString. Unsealed input is returned as is.
func (b *Box) OpenString(s string) (string, error) {
	if !strings.HasPrefix(s, sealedPrefix) {
		return s, nil
	}
	if b == nil {
		return "", ErrSealed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, sealedPrefix))
	if err != nil {
		return "", errors.Wrap(err, "sealed value")
	}
	out, err := b.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
