// Package idcipher turns sequential store ids into opaque public ids.
//
// An id is the Blowfish encryption of its big-endian 8 byte form, encoded as
// unpadded base64url, so every public id is 11 characters long.
package idcipher

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blowfish"
)

const (
	MinKeyLen = 8
	MaxKeyLen = 56
	// EncodedLen is the length of every public id.
	EncodedLen = 11
)

var (
	ErrInvalidID  = errors.New("invalid id")
	ErrInvalidKey = errors.New("id cipher key must be 8 to 56 bytes")
)

var enc = base64.RawURLEncoding

type Cipher struct {
	block *blowfish.Cipher
}

func New(key []byte) (*Cipher, error) {
	if len(key) < MinKeyLen || len(key) > MaxKeyLen {
		return nil, errors.Wrapf(ErrInvalidKey, "got %d", len(key))
	}
	b, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "blowfish")
	}
	return &Cipher{block: b}, nil
}

func (c *Cipher) Encode(id int64) string {
	var buf [blowfish.BlockSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	c.block.Encrypt(buf[:], buf[:])
	return enc.EncodeToString(buf[:])
}

func (c *Cipher) Decode(s string) (int64, error) {
	if len(s) != EncodedLen {
		return 0, ErrInvalidID
	}
	var buf [blowfish.BlockSize]byte
	n, err := enc.Decode(buf[:], []byte(s))
	if err != nil || n != blowfish.BlockSize {
		return 0, ErrInvalidID
	}
	c.block.Decrypt(buf[:], buf[:])
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}
