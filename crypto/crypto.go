// This package holds the key material helpers used by the group engine: x25519 group
// key pairs, deterministic key-pair hashes for deduplication, and sealing of key pairs
// to individual members.
package crypto

import (
	"crypto/hmac"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

type KeyPair struct {
	PublicKey []byte
	SecretKey []byte
}

// GenerateKeyPair makes a fresh x25519 key pair for a group.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PublicKey: pub[:], SecretKey: priv[:]}, nil
}

// KeyPairHash produces the deterministic hash used to deduplicate stored key pairs.
func KeyPairHash(threadID string, publicKey, secretKey []byte) string {
	h := sha256.New()
	h.Write([]byte(threadID))
	h.Write(publicKey)
	h.Write(secretKey)
	return hex.EncodeToString(h.Sum(nil))
}

// SubaccountToken derives a per-member auth token from the group secret.
func SubaccountToken(groupSecret []byte, memberID string) []byte {
	mac := hmac.New(sha256.New, groupSecret)
	mac.Write([]byte(memberID))
	return mac.Sum(nil)
}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// Seal encrypts msg to a recipient public key under a fresh ephemeral key pair.
// The ephemeral public key is prepended to the ciphertext.
func Seal(recipientPub, msg []byte) ([]byte, error) {
	if len(recipientPub) != 32 {
		return nil, fmt.Errorf("crypto: expected public key of length 32, got %d", len(recipientPub))
	}
	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	ct, err := EncryptWithDH(recipientPub, ephPriv[:], msg, ephPub[:])
	if err != nil {
		return nil, err
	}
	return append(ephPub[:], ct...), nil
}

// Open decrypts a payload produced by Seal using the recipient's secret key.
func Open(recipientPriv, sealed []byte) ([]byte, error) {
	if len(sealed) < 32 {
		return nil, fmt.Errorf("crypto: sealed payload too short: %d", len(sealed))
	}
	ephPub := sealed[:32]
	return DecryptWithDH(ephPub, recipientPriv, sealed[32:], ephPub)
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}
