package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const keyfileSaltSize = 16

// sealedKeyFile is the on-disk encoding of SealKeyPair's output: a
// random salt (the hkdf.Extract salt, also functioning as secretbox's
// per-file domain separator) alongside the nonce-prefixed ciphertext.
type sealedKeyFile struct {
	Salt       []byte `json:"salt"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealKeyPair encrypts kp's Ed25519 seed with a key derived from
// passphrase via HKDF-SHA256, and writes the result to path. A fresh
// random salt is generated per call, so sealing the same key pair twice
// with the same passphrase produces different ciphertext.
//
// This keeps the signing identity off disk in plaintext without standing
// up a KMS: the threat it closes is an at-rest copy of the data
// directory, not a compromised running process, which still holds the
// unsealed key in memory either way.
func SealKeyPair(path string, kp KeyPair, passphrase string) error {
	seed := kp.PrivateKey.Seed()

	salt := make([]byte, keyfileSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("crypto: generate salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("crypto: generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], seed, &nonce, &key)

	data, err := json.Marshal(sealedKeyFile{Salt: salt, Ciphertext: sealed})
	if err != nil {
		return fmt.Errorf("crypto: encode sealed key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("crypto: write sealed key file: %w", err)
	}
	return nil
}

// OpenKeyPair reads a file written by SealKeyPair and recovers the
// Ed25519 key pair, or returns an error if passphrase is wrong or the
// file was tampered with (secretbox authenticates the ciphertext).
func OpenKeyPair(path, passphrase string) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto: read sealed key file: %w", err)
	}

	var file sealedKeyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return KeyPair{}, fmt.Errorf("crypto: decode sealed key file: %w", err)
	}
	if len(file.Ciphertext) < 24 {
		return KeyPair{}, fmt.Errorf("crypto: sealed key file truncated")
	}

	key, err := deriveKey(passphrase, file.Salt)
	if err != nil {
		return KeyPair{}, err
	}

	var nonce [24]byte
	copy(nonce[:], file.Ciphertext[:24])

	seed, ok := secretbox.Open(nil, file.Ciphertext[24:], &nonce, &key)
	if !ok {
		return KeyPair{}, fmt.Errorf("crypto: wrong passphrase or corrupted key file")
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// deriveKey stretches passphrase into a 32-byte secretbox key with
// HKDF-SHA256, salted per key file.
func deriveKey(passphrase string, salt []byte) ([32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha256.New, []byte(passphrase), salt, []byte("anumate-signing-key"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}
