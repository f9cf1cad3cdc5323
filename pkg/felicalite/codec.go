package felicalite

import (
	"bytes"
	"fmt"
)

// Command and response codes.
const (
	CmdPolling       = 0x00
	RespPolling      = 0x01
	CmdReadWithout   = 0x06 // Read Without Encryption
	RespReadWithout  = 0x07
	CmdWriteWithout  = 0x08 // Write Without Encryption
	RespWriteWithout = 0x09
)

// Service codes and system codes.
const (
	ServiceReadOnly  uint16 = 0x000B
	ServiceReadWrite uint16 = 0x0009

	SystemCodeBroadcast uint16 = 0xFFFF
	SystemCodeLite      uint16 = 0x88B4
)

// MaxBlocksPerRead is the number of blocks one Read Without Encryption may carry.
const MaxBlocksPerRead = 4

const (
	pollFrameLen     = 6
	pollResponseLen  = 18
	readHeaderLen    = 13
	writeFrameLen    = 32
	writeResponseLen = 12
	blockListFlag    = 0x80 // 2-byte block list element, service list order 0
)

// Poll sends Polling for systemCode and reports whether the connected card
// answered. A missing or mismatched answer is false, not an error.
func (s *Session) Poll(systemCode uint16) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return s.poll(systemCode)
}

// poll is Poll without locking. The caller holds s.mu.
func (s *Session) poll(systemCode uint16) (bool, error) {
	frame := pollingFrame(systemCode)
	resp, err := s.transceive("poll", frame)
	if err != nil {
		return false, err
	}
	if len(resp) != pollResponseLen {
		s.reject("poll", fmt.Sprintf("length %d, want %d", len(resp), pollResponseLen))
		return false, nil
	}
	if resp[1] != RespPolling {
		s.reject("poll", fmt.Sprintf("response code 0x%02X", resp[1]))
		return false, nil
	}
	if !bytes.Equal(resp[2:10], s.idm[:]) {
		s.reject("poll", "IDm mismatch")
		return false, nil
	}
	return true, nil
}

// ReadBlock reads one block. ok is false when the card's answer fails validation.
func (s *Session) ReadBlock(addr Address) (Block, bool, error) {
	blocks, ok, err := s.ReadBlocks([]Address{addr})
	if err != nil || !ok {
		return Block{}, false, err
	}
	return blocks[0], true, nil
}

// ReadBlocks reads up to MaxBlocksPerRead blocks in one exchange and returns
// them in the requested order. Addresses beyond the fourth are ignored.
// ok is false when the card's answer fails validation.
func (s *Session) ReadBlocks(addrs []Address) ([]Block, bool, error) {
	if err := s.lock(); err != nil {
		return nil, false, err
	}
	defer s.mu.Unlock()
	return s.readBlocks(addrs)
}

// readBlocks is ReadBlocks without locking. The caller holds s.mu.
func (s *Session) readBlocks(addrs []Address) ([]Block, bool, error) {
	if len(addrs) == 0 {
		return nil, false, fmt.Errorf("%w: empty block list", ErrInvalidAddress)
	}
	if len(addrs) > MaxBlocksPerRead {
		s.logger.Debug("read block list truncated", "requested", len(addrs), "used", MaxBlocksPerRead)
		addrs = addrs[:MaxBlocksPerRead]
	}
	for _, addr := range addrs {
		if err := checkAddress(addr); err != nil {
			return nil, false, err
		}
	}

	frame := readFrame(s.idm, addrs)
	resp, err := s.transceive("read", frame)
	if err != nil {
		return nil, false, err
	}

	n := len(addrs)
	if reason := checkResponse(resp, s.idm, RespReadWithout, readHeaderLen+BlockSize*n); reason != "" {
		s.reject("read", reason)
		return nil, false, nil
	}
	if int(resp[12]) != n {
		s.reject("read", fmt.Sprintf("block count %d, want %d", resp[12], n))
		return nil, false, nil
	}

	blocks := make([]Block, n)
	for i := range blocks {
		copy(blocks[i][:], resp[readHeaderLen+i*BlockSize:])
	}
	return blocks, true, nil
}

// WriteBlock writes the first 16 bytes of data to one block. A payload shorter
// than 16 bytes is refused without transmitting. ok is false when the payload
// is refused or the card's answer fails validation.
func (s *Session) WriteBlock(addr Address, data []byte) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return s.writeBlock(addr, data)
}

// writeBlock is WriteBlock without locking. The caller holds s.mu.
func (s *Session) writeBlock(addr Address, data []byte) (bool, error) {
	if err := checkAddress(addr); err != nil {
		return false, err
	}
	if len(data) < BlockSize {
		s.reject("write", fmt.Sprintf("payload %d bytes, want %d", len(data), BlockSize))
		return false, nil
	}

	frame := writeFrame(s.idm, addr, data)
	resp, err := s.transceive("write", frame)
	if err != nil {
		return false, err
	}
	if reason := checkResponse(resp, s.idm, RespWriteWithout, writeResponseLen); reason != "" {
		s.reject("write", reason)
		return false, nil
	}
	return true, nil
}

func (s *Session) reject(op, reason string) {
	s.logger.Debug("response rejected", "op", op, "reason", reason)
}

func pollingFrame(systemCode uint16) []byte {
	return []byte{
		pollFrameLen,
		CmdPolling,
		byte(systemCode >> 8), byte(systemCode),
		0x00, // request code: none
		0x00, // time slot: 1
	}
}

func readFrame(idm IDm, addrs []Address) []byte {
	frame := make([]byte, 0, 14+2*len(addrs))
	frame = append(frame, byte(14+2*len(addrs)), CmdReadWithout)
	frame = append(frame, idm[:]...)
	frame = appendService(frame, ServiceReadOnly)
	frame = append(frame, byte(len(addrs)))
	for _, addr := range addrs {
		frame = append(frame, blockListFlag, addr.blockNumber())
	}
	return frame
}

func writeFrame(idm IDm, addr Address, data []byte) []byte {
	frame := make([]byte, 0, writeFrameLen)
	frame = append(frame, writeFrameLen, CmdWriteWithout)
	frame = append(frame, idm[:]...)
	frame = appendService(frame, ServiceReadWrite)
	frame = append(frame, 0x01, blockListFlag, addr.blockNumber())
	frame = append(frame, data[:BlockSize]...)
	return frame
}

// appendService appends a one-entry service code list (little-endian code).
func appendService(frame []byte, code uint16) []byte {
	return append(frame, 0x01, byte(code), byte(code>>8))
}

// checkResponse validates length, response code, IDm echo and status flags.
// It returns an empty string when the response is acceptable.
func checkResponse(resp []byte, idm IDm, code byte, wantLen int) string {
	if len(resp) >= writeResponseLen && (resp[10] != 0x00 || resp[11] != 0x00) {
		return fmt.Sprintf("status %02X %02X (%s)", resp[10], resp[11], statusDescription(resp[10], resp[11]))
	}
	if len(resp) != wantLen {
		return fmt.Sprintf("length %d, want %d", len(resp), wantLen)
	}
	if resp[1] != code {
		return fmt.Sprintf("response code 0x%02X, want 0x%02X", resp[1], code)
	}
	if !bytes.Equal(resp[2:10], idm[:]) {
		return "IDm mismatch"
	}
	return ""
}
