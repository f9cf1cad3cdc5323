package felicalite

import (
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// deviceByteOrder returns b with its bytes reversed. The card's DES engine
// consumes and produces every 8-byte block in reverse byte order, so each
// half-block crossing between card layout and cipher input passes through here.
func deviceByteOrder(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

// chainedKey builds the 24-byte key k1||k2||k1.
func chainedKey(k1, k2 []byte) []byte {
	key := make([]byte, 0, 3*des.BlockSize)
	key = append(key, k1...)
	key = append(key, k2...)
	key = append(key, k1...)
	return key
}

// tdesCBCEncrypt encrypts exactly one DES block with triple DES in CBC mode.
func tdesCBCEncrypt(step string, key, iv, in []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, &CryptoError{Step: step, Got: len(key), Cause: err}
	}
	if len(in) != des.BlockSize {
		return nil, &CryptoError{Step: step, Got: len(in), Cause: fmt.Errorf("input must be %d bytes", des.BlockSize)}
	}
	if len(iv) != des.BlockSize {
		return nil, &CryptoError{Step: step, Got: len(iv), Cause: fmt.Errorf("IV must be %d bytes", des.BlockSize)}
	}
	out := make([]byte, des.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, in)
	return checkCipherOutput(step, out)
}

func checkCipherOutput(step string, out []byte) ([]byte, error) {
	if len(out) != des.BlockSize {
		return nil, &CryptoError{Step: step, Got: len(out)}
	}
	return out, nil
}
