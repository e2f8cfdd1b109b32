// Package vault encrypts third-party integration secrets before they touch
// persistent storage. Records are `hex(iv):hex(ciphertext)` using AES-256-CBC
// with a fresh random iv per call, so a record always carries everything
// needed to decrypt it under the same key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// KeyHexLen is the required length of the configured key: 64 hex characters
// encoding the 256-bit AES key.
const KeyHexLen = 64

// ErrDecryption is returned when a record is malformed or was encrypted
// under a different key.
var ErrDecryption = errors.New("credential record cannot be decrypted")

// Logger is the narrow logging surface the vault needs.
type Logger interface {
	Warnf(format string, args ...interface{})
}

// Vault holds the process-wide symmetric key.
type Vault struct {
	key []byte
}

// New builds a vault from the configured hex key. If the key is absent or
// not exactly 64 hex characters, a fresh ephemeral key is generated and a
// warning is logged: records written under an ephemeral key are unreadable
// after a restart unless the key is persisted externally.
func New(keyHex string, logger Logger) *Vault {
	if len(keyHex) == KeyHexLen {
		if key, err := hex.DecodeString(keyHex); err == nil {
			return &Vault{key: key}
		}
	}
	logger.Warnf("Invalid or missing encryption key, generating an ephemeral one; previously stored credentials will not decrypt")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		// rand.Read never fails on supported platforms
		panic(errors.Wrap(err, "generate ephemeral vault key"))
	}
	return &Vault{key: key}
}

// Protect encrypts a plaintext secret into a storable record.
func (v *Vault) Protect(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", errors.Wrap(err, "init cipher")
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(err, "generate iv")
	}
	padded := pad([]byte(plaintext))
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Reveal decrypts a record produced by Protect. It fails with ErrDecryption
// when the record is malformed or the key does not match, e.g. after a key
// rotation without re-encrypting stored records.
func (v *Vault) Reveal(record string) (string, error) {
	parts := strings.SplitN(record, ":", 2)
	if len(parts) != 2 {
		return "", errors.Wrap(ErrDecryption, "missing iv separator")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return "", errors.Wrap(ErrDecryption, "malformed iv")
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", errors.Wrap(ErrDecryption, "malformed ciphertext")
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", errors.Wrap(err, "init cipher")
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	unpadded, err := unpad(pt)
	if err != nil {
		return "", errors.Wrap(ErrDecryption, err.Error())
	}
	return string(unpadded), nil
}

// pad applies PKCS#7 padding to a full block multiple.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}
