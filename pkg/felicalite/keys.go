package felicalite

import (
	"bufio"
	"crypto/cipher"
	"crypto/des"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aead/cmac"
)

// Key sizes in bytes.
const (
	MasterKeySize = 24
	CardKeySize   = 16
)

// CardKey is the per-card key derived from a master key and the ID block.
type CardKey [CardKeySize]byte

// DeriveCardKey derives the card key CK from a 24-byte master key and the
// 16-byte ID block. The result is deterministic; it is never cached.
//
// Both halves are 64-bit CMACs under the master key: T over M1||M2 and
// T' over (M1 with its top bit flipped)||M2, where M1 and M2 are the ID
// halves in device byte order.
func DeriveCardKey(masterKey, identifier []byte) (CardKey, error) {
	var ck CardKey
	if len(masterKey) != MasterKeySize {
		return ck, &CryptoError{Step: "card key: master key size", Got: len(masterKey)}
	}
	if len(identifier) != BlockSize {
		return ck, &CryptoError{Step: "card key: ID block size", Got: len(identifier)}
	}
	block, err := des.NewTripleDESCipher(masterKey)
	if err != nil {
		return ck, &CryptoError{Step: "card key: cipher", Cause: err}
	}

	m1 := deviceByteOrder(identifier[:8])
	m2 := deviceByteOrder(identifier[8:])

	t, err := cmacTag("card key: T", block, m1, m2)
	if err != nil {
		return ck, err
	}
	m1[0] ^= 0x80
	tAlt, err := cmacTag("card key: T'", block, m1, m2)
	if err != nil {
		return ck, err
	}

	copy(ck[:8], t)
	copy(ck[8:], tAlt)
	return ck, nil
}

func cmacTag(step string, block cipher.Block, m1, m2 []byte) ([]byte, error) {
	mac, err := cmac.NewWithTagSize(block, des.BlockSize)
	if err != nil {
		return nil, &CryptoError{Step: step, Cause: err}
	}
	mac.Write(m1)
	mac.Write(m2)
	return checkCipherOutput(step, mac.Sum(nil))
}

// ParseMasterKeyHex parses a 24-byte master key from 48 hexadecimal characters.
func ParseMasterKeyHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) != 2*MasterKeySize {
		return nil, fmt.Errorf("master key must be %d hex chars, got %d", 2*MasterKeySize, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %v", err)
	}
	return key, nil
}

// LoadMasterKeyHexFile loads a 24-byte master key from a .hex file.
// The first non-empty line must contain 48 hexadecimal characters.
func LoadMasterKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return ParseMasterKeyHex(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("key file is empty")
}
