// Package crypt implements the fixed-key AES layer applied to crypted p4k
// entries.
//
// The key is a published format constant, not a secret: every container
// uses it, and nothing is provisioned per archive.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/meigma/p4k/internal/p4ktype"
)

// BlockSize is the AES block size in bytes.
const BlockSize = aes.BlockSize

// Key is the AES-128 key shared by all containers.
var Key = [16]byte{
	0x5E, 0x7A, 0x20, 0x02,
	0x30, 0x2E, 0xEB, 0x1A,
	0x3B, 0xB6, 0x17, 0xC3,
	0x0F, 0xDE, 0x1E, 0x47,
}

var block cipher.Block

func init() {
	b, err := aes.NewCipher(Key[:])
	if err != nil {
		panic(fmt.Sprintf("crypt: %v", err))
	}
	block = b
}

// Decrypt decrypts buf in place with AES-CBC, a zero IV and no padding
// scheme. len(buf) must be a multiple of BlockSize.
func Decrypt(buf []byte) error {
	if len(buf)%BlockSize != 0 {
		return fmt.Errorf("%w: ciphertext length %d is not a multiple of %d",
			p4ktype.ErrCorruptEntry, len(buf), BlockSize)
	}
	var iv [BlockSize]byte
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(buf, buf)
	return nil
}

// Encrypt zero-pads plain to a block multiple and encrypts it the way
// crypted entries are stored. The input is not modified.
func Encrypt(plain []byte) []byte {
	n := (len(plain) + BlockSize - 1) / BlockSize * BlockSize
	out := make([]byte, n)
	copy(out, plain)
	var iv [BlockSize]byte
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, out)
	return out
}

// TrimZeroPadding drops trailing zero bytes left by block padding. At least
// one byte always remains, so a plaintext that legitimately ends in zeros is
// truncated; containers carry no stored length to do better.
func TrimZeroPadding(buf []byte) []byte {
	n := len(buf)
	for n > 1 && buf[n-1] == 0 {
		n--
	}
	return buf[:n]
}
