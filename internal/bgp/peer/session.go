// Package peer turns the fsm and table packages into a running BGP
// speaker over real TCP sockets: Session frames messages on and off the
// wire, and Peer wires a Session pair into an fsm.Machine and exposes the
// peer identity the table package needs for best-path selection.
package peer

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/eapache/channels"

	"github.com/routeflow/bgpd/internal/bgp/fsm"
	"github.com/routeflow/bgpd/internal/bgp/wire"
)

var errSessionClosed = errors.New("bgp session closed")

// Session is one TCP connection to a peer. Outbound messages go through an
// unbounded queue drained by a single writer goroutine (the
// channels.InfiniteChannel pattern GoBGP's own Peer uses for the same
// reason: the state machine must never block on a slow socket write);
// inbound messages are decoded on a dedicated reader goroutine and posted
// to the owning fsm.Machine as events. Session implements
// fsm.SessionHandle; package fsm never touches net.Conn directly.
type Session struct {
	conn     net.Conn
	r        *bufio.Reader
	passive  bool
	log      *slog.Logger
	outgoing *channels.InfiniteChannel

	closeOnce sync.Once
	closed    chan struct{}

	remoteMu sync.Mutex
	remoteID string
	remoteOK bool
}

// NewSession wraps conn and starts its write loop. Call Read to start
// decoding inbound messages once the owning Machine is ready to receive
// them.
func NewSession(conn net.Conn, passive bool, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		conn:     conn,
		r:        bufio.NewReaderSize(conn, wire.MaxMsgLen),
		passive:  passive,
		log:      log,
		outgoing: channels.NewInfiniteChannel(),
		closed:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Session) writeLoop() {
	buf := make([]byte, wire.MaxMsgLen)
	for v := range s.outgoing.Out() {
		msg, ok := v.(wire.Message)
		if !ok {
			continue
		}
		n, err := wire.Encode(msg, buf)
		if err != nil {
			s.log.Warn("bgp session encode failed", "error", err)
			continue
		}
		if _, err := s.conn.Write(buf[:n]); err != nil {
			s.log.Debug("bgp session write failed", "error", err)
			s.Close()
			return
		}
	}
}

func (s *Session) enqueue(msg wire.Message) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	s.outgoing.In() <- msg
	return nil
}

func (s *Session) SendOpen(o *wire.OpenMessage) error                 { return s.enqueue(o) }
func (s *Session) SendKeepalive() error                               { return s.enqueue(wire.Keepalive{}) }
func (s *Session) SendUpdate(u *wire.UpdateMessage) error             { return s.enqueue(u) }
func (s *Session) SendNotification(n *wire.NotificationMessage) error { return s.enqueue(n) }

// Close tears the transport down exactly once; safe to call from any
// goroutine and any number of times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.outgoing.Close()
		s.conn.Close()
	})
	return nil
}

func (s *Session) Passive() bool { return s.passive }

func (s *Session) RemoteIdentifier() (string, bool) {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	return s.remoteID, s.remoteOK
}

func (s *Session) setRemoteIdentifier(id string) {
	s.remoteMu.Lock()
	s.remoteID = id
	s.remoteOK = true
	s.remoteMu.Unlock()
}

// Read runs the framed decode loop, posting every message (or parse
// failure) to m as the matching fsm event. It returns when the connection
// closes, after posting a received NOTIFICATION, or after a header whose
// length is out of range, so callers run it in its own goroutine
// immediately after accepting or dialing the connection.
func (s *Session) Read(m *fsm.Machine) {
	header := make([]byte, wire.HeaderLen)
	for {
		if _, err := io.ReadFull(s.r, header); err != nil {
			m.Post(fsm.NewTcpClose(s))
			return
		}
		length := wire.PeekLength(header)
		if length < wire.MinMsgLen || length > wire.MaxMsgLen {
			m.Post(fsm.NewBgpHeaderError(s, &wire.ParseError{Code: wire.ErrCodeMsgHdr, Subcode: wire.SubBadMsgLength}))
			return
		}
		buf := make([]byte, length)
		copy(buf, header)
		if length > wire.HeaderLen {
			if _, err := io.ReadFull(s.r, buf[wire.HeaderLen:]); err != nil {
				m.Post(fsm.NewTcpClose(s))
				return
			}
		}

		msg, perr := wire.Decode(buf)
		if perr != nil {
			m.Post(parseErrorEvent(s, perr))
			continue
		}
		switch mm := msg.(type) {
		case *wire.OpenMessage:
			s.setRemoteIdentifier(mm.BGPIdentifier.String())
			m.Post(fsm.NewBgpOpen(s, mm))
		case wire.Keepalive:
			m.Post(fsm.NewBgpKeepalive(s))
		case *wire.UpdateMessage:
			m.Post(fsm.NewBgpUpdate(s, mm))
		case *wire.NotificationMessage:
			m.Post(fsm.NewBgpNotification(s, mm))
			return
		}
	}
}

func parseErrorEvent(s *Session, e *wire.ParseError) fsm.Event {
	switch e.Code {
	case wire.ErrCodeOpenMsg:
		return fsm.NewBgpOpenError(s, e)
	case wire.ErrCodeUpdateMsg:
		return fsm.NewBgpUpdateError(s, e)
	default:
		return fsm.NewBgpHeaderError(s, e)
	}
}
