package felicalite

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// BlockSize is the size of every FeliCa Lite block in bytes.
const BlockSize = 16

// IDm is the 8-byte manufacturer ID of a card, echoed in every frame.
type IDm [8]byte

func (id IDm) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// Block is the content of one 16-byte block.
type Block [BlockSize]byte

func (b Block) String() string {
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

// Link abstracts the radio link for real PC/SC readers and simulated cards.
// Transceive sends one complete FeliCa frame (length byte first) and returns
// the complete response frame. Implementations enforce their own timeouts.
type Link interface {
	Open() (IDm, error)
	Transceive(frame []byte) ([]byte, error)
	Close() error
}

// Session is an open connection to one card. It owns its Link: commands are
// serialized and the IDm is fixed from Connect until Close.
type Session struct {
	mu     sync.Mutex
	link   Link
	idm    IDm
	open   bool
	logger *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for frame and workflow diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Connect opens the link and returns a session bound to the card's IDm.
func Connect(link Link, opts ...Option) (*Session, error) {
	if link == nil {
		return nil, errors.New("link is nil")
	}
	s := &Session{link: link, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	idm, err := link.Open()
	if err != nil {
		return nil, &ConnectivityError{Op: "open", Cause: err}
	}
	s.idm = idm
	s.open = true
	s.logger.Debug("session opened", "idm", idm.String())
	return s, nil
}

// IDm returns the IDm of the connected card. ok is false after Close.
func (s *Session) IDm() (idm IDm, ok bool) {
	if s == nil {
		return IDm{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idm, s.open
}

// Connected reports whether the session is open.
func (s *Session) Connected() bool {
	_, ok := s.IDm()
	return ok
}

// Close closes the link and clears the IDm. Closing twice is a no-op.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	s.idm = IDm{}
	if err := s.link.Close(); err != nil {
		return &ConnectivityError{Op: "close", Cause: err}
	}
	s.logger.Debug("session closed")
	return nil
}

// lock acquires the session for one command. The caller must call s.mu.Unlock.
func (s *Session) lock() error {
	if s == nil {
		return ErrNotConnected
	}
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotConnected
	}
	return nil
}

// transceive sends one frame. The caller holds s.mu.
func (s *Session) transceive(op string, frame []byte) ([]byte, error) {
	resp, err := s.link.Transceive(frame)
	if err != nil {
		return nil, &ConnectivityError{Op: op, Cause: err}
	}
	s.logger.Debug("frame exchanged", "op", op, "cmd", frameCode(frame), "sent", len(frame), "received", len(resp))
	return resp, nil
}

func frameCode(frame []byte) int {
	if len(frame) < 2 {
		return -1
	}
	return int(frame[1])
}
