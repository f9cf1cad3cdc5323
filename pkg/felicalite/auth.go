package felicalite

import (
	"crypto/des"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"strings"
)

// MACSize is the size of the MAC the card places in the first half of the MAC register.
const MACSize = 8

// MAC is the 8-byte value computed by the card over its ID block and the last challenge.
type MAC [MACSize]byte

func (m MAC) String() string {
	return strings.ToUpper(hex.EncodeToString(m[:]))
}

// ComputeMAC computes the MAC the card produces for identifier (the 16-byte
// block read together with MAC) after challenge was written to RC.
//
// The session key is SK1||SK2||SK1 where SK1 and SK2 are the two halves of
// the challenge encrypted under the card key in CBC mode. The identifier is
// then encrypted under the session key with the challenge's first half as IV.
func ComputeMAC(cardKey CardKey, identifier, challenge []byte) (MAC, error) {
	var mac MAC
	if len(identifier) != BlockSize {
		return mac, &CryptoError{Step: "mac: identifier size", Got: len(identifier)}
	}
	if len(challenge) != BlockSize {
		return mac, &CryptoError{Step: "mac: challenge size", Got: len(challenge)}
	}

	key := chainedKey(deviceByteOrder(cardKey[:8]), deviceByteOrder(cardKey[8:]))
	rc1 := deviceByteOrder(challenge[:8])
	rc2 := deviceByteOrder(challenge[8:])
	id1 := deviceByteOrder(identifier[:8])
	id2 := deviceByteOrder(identifier[8:])

	zero := make([]byte, des.BlockSize)
	sk1, err := tdesCBCEncrypt("mac: SK1", key, zero, rc1)
	if err != nil {
		return mac, err
	}
	sk2, err := tdesCBCEncrypt("mac: SK2", key, sk1, rc2)
	if err != nil {
		return mac, err
	}

	sessionKey := chainedKey(sk1, sk2)
	tmp, err := tdesCBCEncrypt("mac: ID1", sessionKey, rc1, id1)
	if err != nil {
		return mac, err
	}
	tmp2, err := tdesCBCEncrypt("mac: ID2", sessionKey, tmp, id2)
	if err != nil {
		return mac, err
	}

	copy(mac[:], deviceByteOrder(tmp2))
	return mac, nil
}

// VerifyMAC proves that the card holds the card key derived from masterKey.
// It writes a fresh random challenge to RC, reads ID and MAC in one exchange,
// derives the card key from the ID just read and compares the MAC.
//
// A mismatch or a rejected frame is false with a nil error. Link and
// cryptographic failures are returned as errors.
func (s *Session) VerifyMAC(masterKey []byte) (bool, error) {
	return s.verify(masterKey, nil)
}

// verify runs one challenge-response round. When cardKey is nil the key is
// derived from masterKey and the ID block returned by the card.
// The session stays locked from the challenge write to the MAC read.
func (s *Session) verify(masterKey []byte, cardKey *CardKey) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	challenge := make([]byte, BlockSize)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return false, &CryptoError{Step: "mac: challenge", Cause: err}
	}

	ok, err := s.writeBlock(RegRC, challenge)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug("challenge write rejected")
		return false, nil
	}

	blocks, ok, err := s.readBlocks([]Address{RegID, RegMAC})
	if err != nil {
		return false, err
	}
	if !ok || len(blocks) != 2 {
		s.logger.Debug("ID and MAC read rejected")
		return false, nil
	}
	id := blocks[0]

	var ck CardKey
	if cardKey != nil {
		ck = *cardKey
	} else {
		ck, err = DeriveCardKey(masterKey, id[:])
		if err != nil {
			return false, err
		}
	}

	want, err := ComputeMAC(ck, id[:], challenge)
	if err != nil {
		return false, err
	}
	got := blocks[1][:MACSize]
	if subtle.ConstantTimeCompare(want[:], got) != 1 {
		s.logger.Debug("MAC mismatch", "id", id.String())
		return false, nil
	}
	return true, nil
}
