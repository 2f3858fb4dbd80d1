package encryption

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/xts"
)

const (
	// SaltSize is the length of the random salt stored in the file header.
	SaltSize = 16
	// KeySize is an XTS-AES-256 key: two 32-byte AES keys.
	KeySize = 64
	// KeyCheckSize is the length of the key fingerprint kept in the header.
	KeyCheckSize = 16
)

// Argon2id cost parameters used to stretch the password.
const (
	kdfTime    = 1
	kdfMemory  = 32 * 1024
	kdfThreads = 2
)

// PageCipher encrypts fixed-size pages in place of disk sectors. Pages are
// addressed by a sector number derived from their file offset, so ciphertext
// needs no room for a nonce or tag.
type PageCipher struct {
	xts *xts.Cipher
}

// NewSalt returns a fresh random salt.
func NewSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return salt, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches password with salt into a cipher key.
func DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, kdfTime, kdfMemory, kdfThreads, KeySize)
}

// KeyCheck fingerprints a derived key so a wrong password is detected before
// any page is decrypted.
func KeyCheck(key []byte) [KeyCheckSize]byte {
	var out [KeyCheckSize]byte
	sum := blake3.Sum256(key)
	copy(out[:], sum[:KeyCheckSize])
	return out
}

// VerifyKey compares a derived key against a stored fingerprint.
func VerifyKey(key []byte, check [KeyCheckSize]byte) bool {
	got := KeyCheck(key)
	return subtle.ConstantTimeCompare(got[:], check[:]) == 1
}

// NewPageCipher builds a cipher from a KeySize key.
func NewPageCipher(key []byte) (*PageCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, expected %d", len(key), KeySize)
	}
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XTS cipher: %w", err)
	}
	return &PageCipher{xts: c}, nil
}

// Encrypt writes the ciphertext of src into dst. Both must be the same
// multiple of the AES block size.
func (c *PageCipher) Encrypt(dst, src []byte, sector uint64) {
	c.xts.Encrypt(dst, src, sector)
}

// Decrypt reverses Encrypt for the same sector.
func (c *PageCipher) Decrypt(dst, src []byte, sector uint64) {
	c.xts.Decrypt(dst, src, sector)
}
