package cryptoutils

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// AES key wrap with padding (RFC 5649). Inputs of any length, including zero,
// are accepted; an empty input is padded to a single zero semiblock.

var ErrKeyUnwrapFailed = errors.New("aes-kwp: integrity check failed")

var kwpIVPrefix = [4]byte{0xa6, 0x59, 0x59, 0xa6}

const semiblock = 8

func wrapKWP(kek, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := (len(plaintext) + semiblock - 1) / semiblock
	if n == 0 {
		n = 1
	}
	padded := make([]byte, n*semiblock)
	copy(padded, plaintext)

	var a [semiblock]byte
	copy(a[:4], kwpIVPrefix[:])
	binary.BigEndian.PutUint32(a[4:], uint32(len(plaintext)))

	var buf [aes.BlockSize]byte
	if n == 1 {
		copy(buf[:8], a[:])
		copy(buf[8:], padded)
		out := make([]byte, aes.BlockSize)
		block.Encrypt(out, buf[:])
		return out, nil
	}

	r := padded
	for j := 0; j < 6; j++ {
		for i := 0; i < n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i*semiblock:(i+1)*semiblock])
			block.Encrypt(buf[:], buf[:])
			t := uint64(n*j + i + 1)
			binary.BigEndian.PutUint64(a[:], binary.BigEndian.Uint64(buf[:8])^t)
			copy(r[i*semiblock:], buf[8:])
		}
	}

	out := make([]byte, 0, (n+1)*semiblock)
	out = append(out, a[:]...)
	return append(out, r...), nil
}

func unwrapKWP(kek, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 2*semiblock || len(ciphertext)%semiblock != 0 {
		return nil, ErrKeyUnwrapFailed
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(ciphertext)/semiblock - 1
	var a [semiblock]byte
	var buf [aes.BlockSize]byte
	r := make([]byte, n*semiblock)

	if n == 1 {
		block.Decrypt(buf[:], ciphertext)
		copy(a[:], buf[:8])
		copy(r, buf[8:])
	} else {
		copy(a[:], ciphertext[:semiblock])
		copy(r, ciphertext[semiblock:])
		for j := 5; j >= 0; j-- {
			for i := n - 1; i >= 0; i-- {
				t := uint64(n*j + i + 1)
				binary.BigEndian.PutUint64(buf[:8], binary.BigEndian.Uint64(a[:])^t)
				copy(buf[8:], r[i*semiblock:(i+1)*semiblock])
				block.Decrypt(buf[:], buf[:])
				copy(a[:], buf[:8])
				copy(r[i*semiblock:], buf[8:])
			}
		}
	}

	if subtle.ConstantTimeCompare(a[:4], kwpIVPrefix[:]) != 1 {
		return nil, ErrKeyUnwrapFailed
	}
	mli := int(binary.BigEndian.Uint32(a[4:]))
	if mli > n*semiblock || mli < (n-1)*semiblock {
		return nil, ErrKeyUnwrapFailed
	}
	for _, b := range r[mli:] {
		if b != 0 {
			return nil, ErrKeyUnwrapFailed
		}
	}
	return r[:mli], nil
}
