package felicalite

import (
	"bytes"
	"errors"
	"testing"
)

var testIDm = IDm{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF}

// scriptedLink records sent frames and replays canned responses.
type scriptedLink struct {
	idm       IDm
	responses [][]byte
	err       error
	sent      [][]byte
	closed    bool
}

func (l *scriptedLink) Open() (IDm, error) { return l.idm, nil }

func (l *scriptedLink) Transceive(frame []byte) ([]byte, error) {
	l.sent = append(l.sent, append([]byte(nil), frame...))
	if l.err != nil {
		return nil, l.err
	}
	if len(l.responses) == 0 {
		return []byte{}, nil
	}
	resp := l.responses[0]
	l.responses = l.responses[1:]
	return resp, nil
}

func (l *scriptedLink) Close() error {
	l.closed = true
	return nil
}

func newScriptedSession(t *testing.T, responses ...[]byte) (*Session, *scriptedLink) {
	t.Helper()
	link := &scriptedLink{idm: testIDm, responses: responses}
	sess, err := Connect(link)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return sess, link
}

func readResponse(idm IDm, sf1, sf2 byte, blocks ...Block) []byte {
	resp := []byte{byte(13 + BlockSize*len(blocks)), RespReadWithout}
	resp = append(resp, idm[:]...)
	resp = append(resp, sf1, sf2, byte(len(blocks)))
	for _, b := range blocks {
		resp = append(resp, b[:]...)
	}
	return resp
}

func writeResponse(idm IDm, sf1, sf2 byte) []byte {
	resp := []byte{12, RespWriteWithout}
	resp = append(resp, idm[:]...)
	return append(resp, sf1, sf2)
}

func pollResponse(idm IDm) []byte {
	resp := []byte{18, RespPolling}
	resp = append(resp, idm[:]...)
	return append(resp, 0x00, 0xF0, 0x00, 0x00, 0x00, 0x01, 0x43, 0x00)
}

func TestPollFrameAndResponse(t *testing.T) {
	sess, link := newScriptedSession(t, pollResponse(testIDm))
	ok, err := sess.Poll(SystemCodeLite)
	if err != nil || !ok {
		t.Fatalf("Poll = %v, %v; want true, nil", ok, err)
	}
	want := []byte{0x06, 0x00, 0x88, 0xB4, 0x00, 0x00}
	if !bytes.Equal(link.sent[0], want) {
		t.Fatalf("polling frame = % X, want % X", link.sent[0], want)
	}
}

func TestPollRejectsBadResponses(t *testing.T) {
	wrongCode := pollResponse(testIDm)
	wrongCode[1] = 0x07
	otherIDm := testIDm
	otherIDm[3] ^= 0xFF

	tests := []struct {
		name string
		resp []byte
	}{
		{name: "empty", resp: []byte{}},
		{name: "short", resp: pollResponse(testIDm)[:17]},
		{name: "wrong code", resp: wrongCode},
		{name: "other card", resp: pollResponse(otherIDm)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, _ := newScriptedSession(t, tt.resp)
			ok, err := sess.Poll(SystemCodeBroadcast)
			if err != nil {
				t.Fatalf("Poll returned error: %v", err)
			}
			if ok {
				t.Fatal("Poll accepted a bad response")
			}
		})
	}
}

func TestReadBlockFrame(t *testing.T) {
	data := Block{0: 0xAA, 15: 0x55}
	sess, link := newScriptedSession(t, readResponse(testIDm, 0, 0, data))

	got, ok, err := sess.ReadBlock(RegID)
	if err != nil || !ok {
		t.Fatalf("ReadBlock = %v, %v", ok, err)
	}
	if got != data {
		t.Fatalf("ReadBlock = %s, want %s", got, data)
	}

	want := []byte{0x10, 0x06, 0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF, 0x01, 0x0B, 0x00, 0x01, 0x80, 0x82}
	if !bytes.Equal(link.sent[0], want) {
		t.Fatalf("read frame = % X, want % X", link.sent[0], want)
	}
}

func TestReadBlocksPreservesOrder(t *testing.T) {
	a := Block{0: 0x0A}
	b := Block{0: 0x0B}
	c := Block{0: 0x0C}
	sess, link := newScriptedSession(t, readResponse(testIDm, 0, 0, a, b, c))

	blocks, ok, err := sess.ReadBlocks([]Address{BlockSPad0, BlockREG, RegMC})
	if err != nil || !ok {
		t.Fatalf("ReadBlocks = %v, %v", ok, err)
	}
	if len(blocks) != 3 || blocks[0] != a || blocks[1] != b || blocks[2] != c {
		t.Fatalf("ReadBlocks returned %v", blocks)
	}
	frame := link.sent[0]
	if frame[0] != 20 || len(frame) != 20 {
		t.Fatalf("frame length byte %d, len %d; want 20", frame[0], len(frame))
	}
	if !bytes.Equal(frame[13:], []byte{0x03, 0x80, 0x00, 0x80, 0x0E, 0x80, 0x88}) {
		t.Fatalf("block list = % X", frame[13:])
	}
}

func TestReadBlocksTruncatesToFour(t *testing.T) {
	blocks := []Block{{0: 1}, {0: 2}, {0: 3}, {0: 4}}
	sess, link := newScriptedSession(t, readResponse(testIDm, 0, 0, blocks...))

	addrs := []Address{RealBlock(0), RealBlock(1), RealBlock(2), RealBlock(3), RealBlock(4), RealBlock(5)}
	got, ok, err := sess.ReadBlocks(addrs)
	if err != nil || !ok {
		t.Fatalf("ReadBlocks = %v, %v", ok, err)
	}
	if len(got) != MaxBlocksPerRead {
		t.Fatalf("got %d blocks, want %d", len(got), MaxBlocksPerRead)
	}
	if n := link.sent[0][13]; n != MaxBlocksPerRead {
		t.Fatalf("frame block count %d, want %d", n, MaxBlocksPerRead)
	}
}

func TestReadBlockRejectsBadResponses(t *testing.T) {
	data := Block{}
	otherIDm := testIDm
	otherIDm[0] ^= 0x01

	wrongCode := readResponse(testIDm, 0, 0, data)
	wrongCode[1] = RespWriteWithout
	wrongCount := readResponse(testIDm, 0, 0, data)
	wrongCount[12] = 2

	tests := []struct {
		name string
		resp []byte
	}{
		{name: "empty", resp: []byte{}},
		{name: "truncated", resp: readResponse(testIDm, 0, 0, data)[:28]},
		{name: "wrong code", resp: wrongCode},
		{name: "echo mismatch", resp: readResponse(otherIDm, 0, 0, data)},
		{name: "status error", resp: readResponse(testIDm, 0x01, 0xA8, data)},
		{name: "status only", resp: writeResponse(testIDm, 0x01, 0xA8)},
		{name: "block count", resp: wrongCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, _ := newScriptedSession(t, tt.resp)
			_, ok, err := sess.ReadBlock(RegID)
			if err != nil {
				t.Fatalf("ReadBlock returned error: %v", err)
			}
			if ok {
				t.Fatal("ReadBlock accepted a bad response")
			}
		})
	}
}

func TestWriteBlockFrame(t *testing.T) {
	sess, link := newScriptedSession(t, writeResponse(testIDm, 0, 0))
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}

	ok, err := sess.WriteBlock(BlockSPad0, data)
	if err != nil || !ok {
		t.Fatalf("WriteBlock = %v, %v", ok, err)
	}

	frame := link.sent[0]
	if len(frame) != 32 || frame[0] != 0x20 || frame[1] != 0x08 {
		t.Fatalf("write frame header = % X (len %d)", frame[:2], len(frame))
	}
	if !bytes.Equal(frame[2:10], testIDm[:]) {
		t.Fatalf("write frame IDm = % X", frame[2:10])
	}
	if !bytes.Equal(frame[10:16], []byte{0x01, 0x09, 0x00, 0x01, 0x80, 0x00}) {
		t.Fatalf("write frame service/block = % X", frame[10:16])
	}
	if !bytes.Equal(frame[16:], data[:16]) {
		t.Fatalf("write frame payload = % X", frame[16:])
	}
}

func TestWriteBlockRejectsShortPayloadWithoutTransmitting(t *testing.T) {
	sess, link := newScriptedSession(t)
	ok, err := sess.WriteBlock(BlockSPad0, make([]byte, 15))
	if err != nil {
		t.Fatalf("WriteBlock returned error: %v", err)
	}
	if ok {
		t.Fatal("WriteBlock accepted a short payload")
	}
	if len(link.sent) != 0 {
		t.Fatalf("short payload transmitted %d frames", len(link.sent))
	}
}

func TestWriteBlockRejectsBadResponses(t *testing.T) {
	otherIDm := testIDm
	otherIDm[7] ^= 0x80
	wrongCode := writeResponse(testIDm, 0, 0)
	wrongCode[1] = RespReadWithout

	tests := []struct {
		name string
		resp []byte
	}{
		{name: "empty", resp: []byte{}},
		{name: "status error", resp: writeResponse(testIDm, 0x01, 0xA8)},
		{name: "echo mismatch", resp: writeResponse(otherIDm, 0, 0)},
		{name: "wrong code", resp: wrongCode},
		{name: "too long", resp: append(writeResponse(testIDm, 0, 0), 0x00)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, _ := newScriptedSession(t, tt.resp)
			ok, err := sess.WriteBlock(BlockSPad0, make([]byte, BlockSize))
			if err != nil {
				t.Fatalf("WriteBlock returned error: %v", err)
			}
			if ok {
				t.Fatal("WriteBlock accepted a bad response")
			}
		})
	}
}

func TestInvalidAddressesRejectedBeforeFraming(t *testing.T) {
	sess, link := newScriptedSession(t)

	if _, _, err := sess.ReadBlock(RealBlock(0x80)); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("RealBlock(0x80): expected ErrInvalidAddress, got %v", err)
	}
	if _, _, err := sess.ReadBlock(Register(0x0E)); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("Register(0x0E): expected ErrInvalidAddress, got %v", err)
	}
	if _, err := sess.WriteBlock(Register(0x89), make([]byte, BlockSize)); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("Register(0x89): expected ErrInvalidAddress, got %v", err)
	}
	if _, _, err := sess.ReadBlocks(nil); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("empty list: expected ErrInvalidAddress, got %v", err)
	}
	if len(link.sent) != 0 {
		t.Fatalf("invalid addresses transmitted %d frames", len(link.sent))
	}
}

func TestLinkFailureIsConnectivityError(t *testing.T) {
	sess, link := newScriptedSession(t)
	link.err = errors.New("reader unplugged")

	_, _, err := sess.ReadBlock(RegID)
	if !IsConnectivityError(err) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
	var connErr *ConnectivityError
	if !errors.As(err, &connErr) || connErr.Op != "read" {
		t.Fatalf("unexpected error %#v", err)
	}
	if _, err := sess.Poll(SystemCodeBroadcast); !IsConnectivityError(err) {
		t.Fatalf("Poll: expected ConnectivityError, got %v", err)
	}
}

func TestOperationsAfterCloseReturnNotConnected(t *testing.T) {
	sess, link := newScriptedSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !link.closed {
		t.Fatal("Close did not close the link")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := sess.IDm(); ok {
		t.Fatal("IDm still available after Close")
	}

	if _, err := sess.Poll(SystemCodeBroadcast); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Poll: expected ErrNotConnected, got %v", err)
	}
	if _, _, err := sess.ReadBlock(RegID); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ReadBlock: expected ErrNotConnected, got %v", err)
	}
	if _, err := sess.WriteBlock(BlockSPad0, make([]byte, BlockSize)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("WriteBlock: expected ErrNotConnected, got %v", err)
	}
	if _, err := sess.VerifyMAC(testMasterKey); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("VerifyMAC: expected ErrNotConnected, got %v", err)
	}
	if len(link.sent) != 0 {
		t.Fatalf("closed session transmitted %d frames", len(link.sent))
	}

	var nilSess *Session
	if _, _, err := nilSess.ReadBlock(RegID); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("nil session: expected ErrNotConnected, got %v", err)
	}
}

func TestAddressOf(t *testing.T) {
	tests := []struct {
		n    byte
		want Address
		ok   bool
	}{
		{n: 0x00, want: BlockSPad0, ok: true},
		{n: 0x0E, want: BlockREG, ok: true},
		{n: 0x0F, ok: false},
		{n: 0x82, want: RegID, ok: true},
		{n: 0xA0, want: RegCRCCheck, ok: true},
		{n: 0x89, ok: false},
	}
	for _, tt := range tests {
		got, ok := AddressOf(tt.n)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("AddressOf(0x%02X) = %v, %v; want %v, %v", tt.n, got, ok, tt.want, tt.ok)
		}
	}
	if RegDID.String() != "D_ID" || RealBlock(3).String() != "S_PAD3" || BlockREG.String() != "REG" {
		t.Fatalf("unexpected names %s %s %s", RegDID, RealBlock(3), BlockREG)
	}
}
