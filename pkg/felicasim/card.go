// Package felicasim provides an in-memory FeliCa Lite card that implements
// felicalite.Link. It answers Polling, Read Without Encryption and Write
// Without Encryption frames with the register semantics of a real card,
// and can inject faults for tests and for the issuer's emulator mode.
package felicasim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/barnettlynn/felicatools/pkg/felicalite"
)

// Status flags returned for refused blocks.
const (
	statusOK          = 0x00
	statusBlockError  = 0x01
	statusAccessError = 0xA8 // illegal block number or access denied
	statusListError   = 0xFF
	statusCountError  = 0xA2 // block count out of range
)

// DefaultPMm is the manufacture parameter reported in polling responses.
var DefaultPMm = [8]byte{0x00, 0xF0, 0x00, 0x00, 0x00, 0x01, 0x43, 0x00}

// Card is a simulated FeliCa Lite card.
//
// The fault fields may be changed between commands; they are read under the
// card's lock.
type Card struct {
	mu     sync.Mutex
	idm    felicalite.IDm
	pmm    [8]byte
	sysc   uint16
	blocks map[byte]felicalite.Block
	rc     felicalite.Block
	ck     felicalite.CardKey
	open   bool
	writes []byte

	CorruptEcho bool  // Flip the first byte of every echoed IDm
	SilentPoll  bool  // Ignore Polling
	LieMAC      bool  // Return a MAC with one bit flipped
	LinkErr     error // Returned by every Transceive when set
	OpenErr     error // Returned by Open when set
}

// NewBlank returns an unissued card: SYS_C 88B4, MC unlocked, CKV zero,
// ID copied from D_ID.
func NewBlank(idm felicalite.IDm) *Card {
	c := &Card{
		idm:    idm,
		pmm:    DefaultPMm,
		sysc:   felicalite.SystemCodeLite,
		blocks: make(map[byte]felicalite.Block),
	}

	var did felicalite.Block
	copy(did[:], idm[:])
	c.blocks[byte(felicalite.RegDID)] = did
	c.blocks[byte(felicalite.RegID)] = did

	var sysc felicalite.Block
	sysc[0] = byte(felicalite.SystemCodeLite >> 8)
	sysc[1] = byte(felicalite.SystemCodeLite & 0xFF)
	c.blocks[byte(felicalite.RegSysC)] = sysc

	var serc felicalite.Block
	serc[0] = byte(felicalite.ServiceReadOnly & 0xFF)
	serc[1] = byte(felicalite.ServiceReadOnly >> 8)
	c.blocks[byte(felicalite.RegSerC)] = serc

	c.blocks[byte(felicalite.RegMC)] = felicalite.Block{0xFF, 0xFF, 0xFF}
	c.blocks[byte(felicalite.RegCKV)] = felicalite.Block{}
	return c
}

// Open puts the card in the field and returns its IDm.
func (c *Card) Open() (felicalite.IDm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpenErr != nil {
		return felicalite.IDm{}, c.OpenErr
	}
	c.open = true
	return c.idm, nil
}

// Close removes the card from the field.
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// Transceive answers one FeliCa frame. A frame for another IDm or system
// code gets an empty response, as a silent card would.
func (c *Card) Transceive(frame []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.LinkErr != nil {
		return nil, c.LinkErr
	}
	if !c.open {
		return nil, errors.New("card not in field")
	}
	if len(frame) < 2 || int(frame[0]) != len(frame) {
		return nil, fmt.Errorf("malformed frame (%d bytes)", len(frame))
	}

	switch frame[1] {
	case felicalite.CmdPolling:
		return c.poll(frame), nil
	case felicalite.CmdReadWithout:
		return c.read(frame), nil
	case felicalite.CmdWriteWithout:
		return c.write(frame), nil
	default:
		return []byte{}, nil
	}
}

func (c *Card) poll(frame []byte) []byte {
	if c.SilentPoll || len(frame) != 6 {
		return []byte{}
	}
	if !matchSystemCode(uint16(frame[2])<<8|uint16(frame[3]), c.sysc) {
		return []byte{}
	}
	resp := make([]byte, 0, 18)
	resp = append(resp, 18, felicalite.RespPolling)
	resp = append(resp, c.echo()...)
	return append(resp, c.pmm[:]...)
}

// matchSystemCode accepts an exact code or 0xFF wildcards in either byte.
func matchSystemCode(req, sysc uint16) bool {
	hi, lo := req>>8, req&0xFF
	return (hi == 0xFF || hi == sysc>>8) && (lo == 0xFF || lo == sysc&0xFF)
}

func (c *Card) read(frame []byte) []byte {
	if len(frame) < 14 || !c.addressed(frame) {
		return []byte{}
	}
	n := int(frame[13])
	if len(frame) != 14+2*n {
		return []byte{}
	}
	if n < 1 || n > felicalite.MaxBlocksPerRead {
		return c.status(felicalite.RespReadWithout, statusListError, statusCountError)
	}

	data := make([]byte, 0, felicalite.BlockSize*n)
	var first felicalite.Block
	for i := 0; i < n; i++ {
		if frame[14+2*i] != 0x80 {
			return c.status(felicalite.RespReadWithout, statusListError, statusAccessError)
		}
		blk := frame[15+2*i]
		b, ok := c.readBlock(blk, i, first)
		if !ok {
			return c.status(felicalite.RespReadWithout, statusBlockError, statusAccessError)
		}
		if i == 0 {
			first = b
		}
		data = append(data, b[:]...)
	}

	resp := make([]byte, 0, 13+len(data))
	resp = append(resp, byte(13+len(data)), felicalite.RespReadWithout)
	resp = append(resp, c.echo()...)
	resp = append(resp, statusOK, statusOK, byte(n))
	return append(resp, data...)
}

// readBlock returns the content of blk as read at position pos of a block list.
func (c *Card) readBlock(blk byte, pos int, first felicalite.Block) (felicalite.Block, bool) {
	switch {
	case blk <= byte(felicalite.MaxRealBlock):
		return c.blocks[blk], true
	case blk == byte(felicalite.RegRC), blk == byte(felicalite.RegCK):
		return felicalite.Block{}, true
	case blk == byte(felicalite.RegMAC):
		if pos == 0 {
			return felicalite.Block{}, false
		}
		mac, err := felicalite.ComputeMAC(c.ck, first[:], c.rc[:])
		if err != nil {
			return felicalite.Block{}, false
		}
		if c.LieMAC {
			mac[0] ^= 0x01
		}
		var b felicalite.Block
		copy(b[:], mac[:])
		return b, true
	}
	b, ok := c.blocks[blk]
	return b, ok
}

func (c *Card) write(frame []byte) []byte {
	if len(frame) != 32 || !c.addressed(frame) {
		return []byte{}
	}
	blk := frame[15]
	c.writes = append(c.writes, blk)
	if frame[13] != 1 || frame[14] != 0x80 {
		return c.status(felicalite.RespWriteWithout, statusListError, statusAccessError)
	}
	var data felicalite.Block
	copy(data[:], frame[16:32])

	if !c.writeBlock(blk, data) {
		return c.status(felicalite.RespWriteWithout, statusBlockError, statusAccessError)
	}
	return c.status(felicalite.RespWriteWithout, statusOK, statusOK)
}

func (c *Card) writeBlock(blk byte, data felicalite.Block) bool {
	if blk <= byte(felicalite.MaxRealBlock) {
		c.blocks[blk] = data
		return true
	}

	switch felicalite.Register(blk) {
	case felicalite.RegRC:
		c.rc = data
		return true
	case felicalite.RegID:
		if c.locked() {
			return false
		}
		id := c.blocks[blk]
		copy(id[8:], data[8:])
		c.blocks[blk] = id
		return true
	case felicalite.RegCK:
		if c.locked() {
			return false
		}
		c.ck = felicalite.CardKey(data)
		return true
	case felicalite.RegCKV, felicalite.RegMC:
		if c.locked() {
			return false
		}
		c.blocks[blk] = data
		return true
	default:
		return false
	}
}

// addressed reports whether the frame carries this card's IDm.
func (c *Card) addressed(frame []byte) bool {
	for i, b := range c.idm {
		if frame[2+i] != b {
			return false
		}
	}
	return true
}

func (c *Card) echo() []byte {
	idm := c.idm
	if c.CorruptEcho {
		idm[0] ^= 0xFF
	}
	return idm[:]
}

func (c *Card) status(code, sf1, sf2 byte) []byte {
	resp := make([]byte, 0, 12)
	resp = append(resp, 12, code)
	resp = append(resp, c.echo()...)
	return append(resp, sf1, sf2)
}

func (c *Card) locked() bool {
	return c.blocks[byte(felicalite.RegMC)][2] == 0x00
}

// SetBlock overwrites a block or register directly, bypassing access rules.
func (c *Card) SetBlock(addr felicalite.Address, data felicalite.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := addressByte(addr)
	if n == byte(felicalite.RegCK) {
		c.ck = felicalite.CardKey(data)
		return
	}
	c.blocks[n] = data
}

// Block returns the stored content of a block or register. CK is returned
// as stored even though the card never reads it out.
func (c *Card) Block(addr felicalite.Address) felicalite.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := addressByte(addr)
	if n == byte(felicalite.RegCK) {
		return felicalite.Block(c.ck)
	}
	return c.blocks[n]
}

// Writes returns the blocks targeted by write commands so far, in order.
// Refused writes are included.
func (c *Card) Writes() []felicalite.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]felicalite.Address, 0, len(c.writes))
	for _, n := range c.writes {
		if addr, ok := felicalite.AddressOf(n); ok {
			out = append(out, addr)
		}
	}
	return out
}

// ResetWrites clears the write log.
func (c *Card) ResetWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = nil
}

// Locked reports whether MC_ALL has been cleared.
func (c *Card) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked()
}

func addressByte(addr felicalite.Address) byte {
	switch a := addr.(type) {
	case felicalite.RealBlock:
		return byte(a)
	case felicalite.Register:
		return byte(a)
	default:
		panic(fmt.Sprintf("felicasim: unsupported address %v", addr))
	}
}

var _ felicalite.Link = (*Card)(nil)
