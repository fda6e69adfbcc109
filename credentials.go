package querybridge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// sealNonceSize is the nonce size for AES-GCM.
	sealNonceSize = 12
	// sealSaltSize is the salt size for key derivation.
	sealSaltSize = 32
	// sealKeySize is the AES-256 key size.
	sealKeySize = 32
	// sealPBKDF2Iterations is the iteration count for key derivation.
	sealPBKDF2Iterations = 100000

	sealPrefix = "sealed:v1:"
)

// SealDSN encrypts a connection string so credentials never sit in plain
// configuration files. The result goes in Config.SealedURL and is opened
// with the same key material at connect time.
func SealDSN(dsn string, seal *SealConfig) (string, error) {
	key, salt, err := sealKey(seal, nil)
	if err != nil {
		return "", err
	}

	gcm, err := newSealGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, sealNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(dsn), nil)

	// Layout: salt || nonce || ciphertext.
	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)

	return sealPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// OpenSealedDSN decrypts a sealed connection string.
func OpenSealedDSN(sealed string, seal *SealConfig) (string, error) {
	if seal == nil {
		return "", errors.New("sealed connection string requires key material")
	}
	if !strings.HasPrefix(sealed, sealPrefix) {
		return "", errors.New("not a sealed connection string")
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealPrefix))
	if err != nil {
		return "", err
	}
	if len(payload) < sealSaltSize+sealNonceSize+1 {
		return "", errors.New("sealed connection string truncated")
	}

	salt := payload[:sealSaltSize]
	nonce := payload[sealSaltSize : sealSaltSize+sealNonceSize]
	ciphertext := payload[sealSaltSize+sealNonceSize:]

	key, _, err := sealKey(seal, salt)
	if err != nil {
		return "", err
	}

	gcm, err := newSealGCM(key)
	if err != nil {
		return "", err
	}

	dsn, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.New("cannot open sealed connection string: wrong key or corrupted data")
	}
	return string(dsn), nil
}

// sealKey resolves key material: a raw 32-byte key, or PBKDF2 derivation
// from a password with the given (or a fresh) salt.
func sealKey(seal *SealConfig, salt []byte) ([]byte, []byte, error) {
	if seal == nil {
		return nil, nil, errors.New("seal key material is required")
	}

	if len(seal.Key) > 0 {
		if len(seal.Key) != sealKeySize {
			return nil, nil, errors.New("seal key must be 32 bytes for AES-256")
		}
		if salt == nil {
			salt = make([]byte, sealSaltSize)
			if _, err := rand.Read(salt); err != nil {
				return nil, nil, err
			}
		}
		return seal.Key, salt, nil
	}

	if seal.Password == "" {
		return nil, nil, errors.New("seal requires a key or a password")
	}
	if salt == nil {
		salt = make([]byte, sealSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, err
		}
	}
	key := pbkdf2.Key([]byte(seal.Password), salt, sealPBKDF2Iterations, sealKeySize, sha256.New)
	return key, salt, nil
}

func newSealGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
