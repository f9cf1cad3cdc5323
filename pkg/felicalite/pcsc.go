package felicalite

import (
	"fmt"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// Reader pseudo-APDU instruction bytes.
const (
	pcscCla         = 0xFF
	pcscInsGetData  = 0xCA // GET DATA, P1 0x00 returns the IDm
	pcscInsDirect   = 0xFE // transparent exchange of one FeliCa frame
	pcscSW1Success  = 0x90
	pcscSW2Success  = 0x00
	pcscSWNoCard    = 0x6401
	pcscMaxFrameLen = 0xFF
)

// Reader is a Link over a PC/SC contactless reader.
type Reader struct {
	ctx   *scard.Context
	card  *scard.Card
	Name  string
	Index int
}

// Dial establishes a PC/SC context and connects to the card on the reader at
// readerIndex (0-based).
func Dial(readerIndex int) (*Reader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	name := readers[readerIndex]
	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("connect failed: %w", err)
	}

	return &Reader{ctx: ctx, card: card, Name: name, Index: readerIndex}, nil
}

// Open reads the IDm of the card in the field with GET DATA.
func (r *Reader) Open() (IDm, error) {
	var idm IDm
	data, err := r.exchange(apdu.Capdu{Cla: pcscCla, Ins: pcscInsGetData, Ne: apdu.MaxLenResponseDataStandard})
	if err != nil {
		return idm, errors.Wrap(err, "get IDm")
	}
	if len(data) != len(idm) {
		return idm, errors.Errorf("get IDm: got %d bytes, want %d", len(data), len(idm))
	}
	copy(idm[:], data)
	return idm, nil
}

// Transceive sends one FeliCa frame through the reader's transparent channel
// and returns the card's response frame.
func (r *Reader) Transceive(frame []byte) ([]byte, error) {
	if len(frame) == 0 || len(frame) > pcscMaxFrameLen {
		return nil, errors.Errorf("frame length %d out of range", len(frame))
	}
	resp, err := r.exchange(apdu.Capdu{
		Cla:  pcscCla,
		Ins:  pcscInsDirect,
		Data: frame,
		Ne:   apdu.MaxLenResponseDataStandard,
	})
	if err != nil {
		return nil, errors.Wrap(err, "transparent exchange")
	}
	return resp, nil
}

// Close disconnects the card and releases the PC/SC context.
func (r *Reader) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	if r.card != nil {
		if err := r.card.Disconnect(scard.LeaveCard); err != nil {
			firstErr = errors.Wrap(err, "disconnect")
		}
		r.card = nil
	}
	if r.ctx != nil {
		if err := r.ctx.Release(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "release context")
		}
		r.ctx = nil
	}
	return firstErr
}

func (r *Reader) exchange(capdu apdu.Capdu) ([]byte, error) {
	if r == nil || r.card == nil {
		return nil, errors.New("reader not connected")
	}
	raw, err := capdu.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "encode command")
	}
	resp, err := r.card.Transmit(raw)
	if err != nil {
		return nil, err
	}
	rapdu, err := apdu.ParseRapdu(resp)
	if err != nil {
		return nil, errors.Wrap(err, "parse response")
	}
	if rapdu.SW1 != pcscSW1Success || rapdu.SW2 != pcscSW2Success {
		sw := uint16(rapdu.SW1)<<8 | uint16(rapdu.SW2)
		if sw == pcscSWNoCard {
			return nil, errors.New("no response from card")
		}
		return nil, errors.Errorf("reader status %04X", sw)
	}
	return rapdu.Data, nil
}

var _ Link = (*Reader)(nil)
