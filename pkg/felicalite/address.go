package felicalite

import "fmt"

// Address is a block address in one of the two numbering schemes.
// It is implemented only by RealBlock and Register.
type Address interface {
	blockNumber() byte
	valid() bool
	String() string
}

// RealBlock addresses a plain data block by index.
type RealBlock byte

// User blocks.
const (
	BlockSPad0  RealBlock = 0x00
	BlockSPad13 RealBlock = 0x0D
	BlockREG    RealBlock = 0x0E

	// MaxRealBlock is the highest valid RealBlock index.
	MaxRealBlock = BlockREG
)

func (b RealBlock) blockNumber() byte { return byte(b) }

func (b RealBlock) valid() bool { return b <= MaxRealBlock }

func (b RealBlock) String() string {
	switch {
	case b == BlockREG:
		return "REG"
	case b < BlockREG:
		return fmt.Sprintf("S_PAD%d", b)
	default:
		return fmt.Sprintf("RealBlock(0x%02X)", byte(b))
	}
}

// Register addresses a named system register.
type Register byte

// System registers.
const (
	RegRC       Register = 0x80 // Random challenge (write only)
	RegMAC      Register = 0x81 // MAC of the block read before it
	RegID       Register = 0x82 // ID: bytes 0-7 fixed, 8-9 DFD, 10-15 free
	RegDID      Register = 0x83 // Device ID (read only)
	RegSerC     Register = 0x84 // Service code
	RegSysC     Register = 0x85 // System code
	RegCKV      Register = 0x86 // Card key version
	RegCK       Register = 0x87 // Card key (write only)
	RegMC       Register = 0x88 // Memory configuration
	RegWCNT     Register = 0x90 // Write counter (Lite-S)
	RegMACA     Register = 0x91 // MAC with write counter (Lite-S)
	RegState    Register = 0x92 // Authentication state (Lite-S)
	RegCRCCheck Register = 0xA0 // CRC check (Lite-S)
)

var registerNames = map[Register]string{
	RegRC:       "RC",
	RegMAC:      "MAC",
	RegID:       "ID",
	RegDID:      "D_ID",
	RegSerC:     "SER_C",
	RegSysC:     "SYS_C",
	RegCKV:      "CKV",
	RegCK:       "CK",
	RegMC:       "MC",
	RegWCNT:     "WCNT",
	RegMACA:     "MAC_A",
	RegState:    "STATE",
	RegCRCCheck: "CRC_CHECK",
}

func (r Register) blockNumber() byte { return byte(r) }

func (r Register) valid() bool {
	_, ok := registerNames[r]
	return ok
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(0x%02X)", byte(r))
}

// Registers returns every known register in block number order.
func Registers() []Register {
	return []Register{
		RegRC, RegMAC, RegID, RegDID, RegSerC, RegSysC, RegCKV, RegCK, RegMC,
		RegWCNT, RegMACA, RegState, RegCRCCheck,
	}
}

// AddressOf maps a raw block number back to its tagged address.
// ok is false for numbers outside both schemes.
func AddressOf(n byte) (addr Address, ok bool) {
	if RealBlock(n).valid() {
		return RealBlock(n), true
	}
	if Register(n).valid() {
		return Register(n), true
	}
	return nil, false
}

func checkAddress(addr Address) error {
	if addr == nil || !addr.valid() {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, addr)
	}
	return nil
}
