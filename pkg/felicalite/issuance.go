package felicalite

import (
	"bytes"
	"errors"
	"fmt"
)

// Result is the outcome of IssueCard.
type Result int

const (
	ResultSuccess Result = iota
	ResultNotCard
	ResultWrongCardFamily
	ResultAlreadyIssued
	ResultWriteVerifyFailed
	ResultKeyWriteUnverified
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultNotCard:
		return "not a card"
	case ResultWrongCardFamily:
		return "wrong card family"
	case ResultAlreadyIssued:
		return "already issued"
	case ResultWriteVerifyFailed:
		return "write verify failed"
	case ResultKeyWriteUnverified:
		return "key write unverified"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// IssuanceState tracks how far an issuance has progressed.
// It only moves forward; a failing step leaves it unchanged.
type IssuanceState int

const (
	StateNotConnected IssuanceState = iota
	StateConnected
	StateSystemVerified
	StateConfirmedNotIssued
	StateIdentifierWritten
	StateKeyWritten
	StateVersionWritten
	StateComplete
)

func (st IssuanceState) String() string {
	switch st {
	case StateNotConnected:
		return "not connected"
	case StateConnected:
		return "connected"
	case StateSystemVerified:
		return "system verified"
	case StateConfirmedNotIssued:
		return "confirmed not issued"
	case StateIdentifierWritten:
		return "identifier written"
	case StateKeyWritten:
		return "key written"
	case StateVersionWritten:
		return "version written"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("IssuanceState(%d)", int(st))
	}
}

// IDTailSize is the number of free-form bytes at the end of the ID block.
const IDTailSize = 6

// Issuance personalizes one blank card. An Issuance runs at most once.
type Issuance struct {
	sess  *Session
	tail  [IDTailSize]byte
	state IssuanceState
	ran   bool
}

// NewIssuance prepares an issuance on an open session.
func NewIssuance(sess *Session) *Issuance {
	return &Issuance{sess: sess}
}

// SetIDTail sets the free-form bytes written to ID bytes 10-15. Defaults to zero.
func (is *Issuance) SetIDTail(tail [IDTailSize]byte) {
	is.tail = tail
}

// State returns the last state reached.
func (is *Issuance) State() IssuanceState {
	return is.state
}

type issueStep struct {
	name string
	next IssuanceState
	run  func() (Result, error)
}

// Issue runs the issuance workflow: poll, check the system code, confirm the
// card is not issued, write ID with dfd, write the derived card key and prove
// it by MAC, then write keyVersion to CKV. The system blocks are never locked.
//
// Every outcome other than ResultSuccess is accompanied by an *IssueError.
func (is *Issuance) Issue(dfd uint16, masterKey []byte, keyVersion uint16) (Result, error) {
	if is.ran {
		return ResultError, is.fail(ResultError, "start", errors.New("issuance already run"))
	}
	is.ran = true

	if !is.sess.Connected() {
		return ResultError, is.fail(ResultError, "connect", ErrNotConnected)
	}
	is.state = StateConnected

	if len(masterKey) != MasterKeySize {
		return ResultError, is.fail(ResultError, "master key", &CryptoError{Step: "card key: master key size", Got: len(masterKey)})
	}
	if keyVersion == 0 {
		return ResultError, is.fail(ResultError, "key version", ErrReservedKeyVersion)
	}

	steps := []issueStep{
		{name: "poll", next: StateConnected, run: is.poll},
		{name: "system code", next: StateSystemVerified, run: is.checkSystemCode},
		{name: "issuance status", next: StateConfirmedNotIssued, run: is.checkNotIssued},
		{name: "write ID", next: StateIdentifierWritten, run: func() (Result, error) { return is.writeID(dfd) }},
		{name: "write card key", next: StateKeyWritten, run: func() (Result, error) { return is.writeCardKey(masterKey) }},
		{name: "write key version", next: StateVersionWritten, run: func() (Result, error) { return is.writeKeyVersion(keyVersion) }},
	}

	logger := is.sess.logger
	for _, step := range steps {
		res, err := step.run()
		if res != ResultSuccess {
			logger.Warn("issuance stopped", "step", step.name, "result", res.String(), "state", is.state.String(), "err", err)
			return res, is.fail(res, step.name, err)
		}
		is.state = step.next
		logger.Debug("issuance step complete", "step", step.name, "state", is.state.String())
	}

	is.state = StateComplete
	idm, _ := is.sess.IDm()
	logger.Info("card issued", "idm", idm.String(), "dfd", fmt.Sprintf("%04X", dfd), "key_version", keyVersion)
	return ResultSuccess, nil
}

func (is *Issuance) fail(res Result, step string, cause error) error {
	return &IssueError{Result: res, State: is.state, Step: step, Cause: cause}
}

func (is *Issuance) poll() (Result, error) {
	ok, err := is.sess.Poll(SystemCodeBroadcast)
	if err != nil {
		return ResultError, err
	}
	if !ok {
		return ResultNotCard, errors.New("no polling response")
	}
	return ResultSuccess, nil
}

func (is *Issuance) checkSystemCode() (Result, error) {
	sysc, ok, err := is.sess.ReadBlock(RegSysC)
	if err != nil {
		return ResultError, err
	}
	if !ok {
		return ResultError, errors.New("SYS_C read rejected")
	}
	if !isLiteSystemBlock(sysc) {
		return ResultWrongCardFamily, fmt.Errorf("SYS_C is %s", sysc)
	}
	return ResultSuccess, nil
}

func (is *Issuance) checkNotIssued() (Result, error) {
	status, ok, err := is.sess.IssuanceStatus()
	if err != nil {
		return ResultError, err
	}
	if !ok {
		return ResultError, errors.New("MC and CKV read rejected")
	}
	if status != StatusBlank {
		return ResultAlreadyIssued, fmt.Errorf("card is %s", status)
	}
	return ResultSuccess, nil
}

func (is *Issuance) writeID(dfd uint16) (Result, error) {
	did, ok, err := is.sess.ReadBlock(RegDID)
	if err != nil {
		return ResultError, err
	}
	if !ok {
		return ResultError, errors.New("D_ID read rejected")
	}

	id := did
	id[8] = byte(dfd >> 8)
	id[9] = byte(dfd)
	copy(id[10:], is.tail[:])
	return is.writeVerified(RegID, id)
}

func (is *Issuance) writeCardKey(masterKey []byte) (Result, error) {
	id, ok, err := is.sess.ReadBlock(RegID)
	if err != nil {
		return ResultError, err
	}
	if !ok {
		return ResultError, errors.New("ID read rejected")
	}

	ck, err := DeriveCardKey(masterKey, id[:])
	if err != nil {
		return ResultError, err
	}
	ok, err = is.sess.WriteBlock(RegCK, ck[:])
	if err != nil {
		return ResultError, err
	}
	if !ok {
		return ResultWriteVerifyFailed, errors.New("CK write rejected")
	}

	// CK cannot be read back; prove it with a MAC round instead.
	ok, err = is.sess.verify(nil, &ck)
	if err != nil {
		return ResultError, err
	}
	if !ok {
		return ResultKeyWriteUnverified, errors.New("MAC mismatch after CK write")
	}
	return ResultSuccess, nil
}

func (is *Issuance) writeKeyVersion(keyVersion uint16) (Result, error) {
	var ckv Block
	ckv[0] = byte(keyVersion >> 8)
	ckv[1] = byte(keyVersion)
	return is.writeVerified(RegCKV, ckv)
}

// writeVerified writes data and reads it back.
func (is *Issuance) writeVerified(addr Address, data Block) (Result, error) {
	ok, err := is.sess.WriteBlock(addr, data[:])
	if err != nil {
		return ResultError, err
	}
	if !ok {
		return ResultWriteVerifyFailed, fmt.Errorf("%s write rejected", addr)
	}
	got, ok, err := is.sess.ReadBlock(addr)
	if err != nil {
		return ResultError, err
	}
	if !ok {
		return ResultWriteVerifyFailed, fmt.Errorf("%s read back rejected", addr)
	}
	if !bytes.Equal(got[:], data[:]) {
		return ResultWriteVerifyFailed, fmt.Errorf("%s read back %s, want %s", addr, got, data)
	}
	return ResultSuccess, nil
}

// IssueCard runs a fresh Issuance on s with a zero ID tail.
func (s *Session) IssueCard(dfd uint16, masterKey []byte, keyVersion uint16) (Result, error) {
	return NewIssuance(s).Issue(dfd, masterKey, keyVersion)
}

func isLiteSystemBlock(b Block) bool {
	if uint16(b[0])<<8|uint16(b[1]) != SystemCodeLite {
		return false
	}
	for _, v := range b[2:] {
		if v != 0 {
			return false
		}
	}
	return true
}

// CardStatus is the issuance stage recorded on a card.
type CardStatus int

const (
	StatusBlank             CardStatus = iota // MC unlocked, CKV zero
	StatusPersonalized                        // CKV set, system blocks still writable
	StatusFirstStageIssued                    // MC_ALL cleared
	StatusSecondStageIssued                   // MC byte 1 bit 7 cleared
)

func (cs CardStatus) String() string {
	switch cs {
	case StatusBlank:
		return "blank"
	case StatusPersonalized:
		return "personalized"
	case StatusFirstStageIssued:
		return "first-stage issued"
	case StatusSecondStageIssued:
		return "second-stage issued"
	default:
		return fmt.Sprintf("CardStatus(%d)", int(cs))
	}
}

const (
	mcAllIndex       = 2 // MC_ALL: 0x00 locks the system blocks
	mcSecondIndex    = 1
	mcSecondStageBit = 0x80 // cleared by second-stage issuance
)

// IssuanceStatus reads MC and CKV and classifies the card.
// ok is false when the read is rejected.
func (s *Session) IssuanceStatus() (CardStatus, bool, error) {
	blocks, ok, err := s.ReadBlocks([]Address{RegMC, RegCKV})
	if err != nil || !ok {
		return StatusBlank, false, err
	}
	return classifyStatus(blocks[0], blocks[1]), true, nil
}

func classifyStatus(mc, ckv Block) CardStatus {
	switch {
	case mc[mcSecondIndex]&mcSecondStageBit == 0:
		return StatusSecondStageIssued
	case mc[mcAllIndex] == 0x00:
		return StatusFirstStageIssued
	case ckv[0] != 0 || ckv[1] != 0:
		return StatusPersonalized
	default:
		return StatusBlank
	}
}

// LockSystemBlocks commits first-stage issuance by clearing MC_ALL. This is
// irreversible: ID, CKV, CK and MC become read-only. The card key is proven
// against masterKey first; a card that fails the MAC check is left untouched.
//
// It returns true once MC reads back locked, including when it already was.
func (s *Session) LockSystemBlocks(masterKey []byte) (bool, error) {
	ok, err := s.VerifyMAC(masterKey)
	if err != nil || !ok {
		if err == nil {
			s.logger.Warn("lock refused: card key not verified")
		}
		return false, err
	}

	mc, ok, err := s.ReadBlock(RegMC)
	if err != nil || !ok {
		return false, err
	}
	if mc[mcAllIndex] == 0x00 {
		s.logger.Info("system blocks already locked")
		return true, nil
	}

	mc[mcAllIndex] = 0x00
	ok, err = s.WriteBlock(RegMC, mc[:])
	if err != nil || !ok {
		return false, err
	}
	got, ok, err := s.ReadBlock(RegMC)
	if err != nil || !ok {
		return false, err
	}
	if got[mcAllIndex] != 0x00 {
		s.logger.Warn("MC read back unlocked", "mc", got.String())
		return false, nil
	}
	s.logger.Info("system blocks locked")
	return true, nil
}
