package peer

import (
	"encoding/binary"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/routeflow/bgpd/internal/bgp/fsm"
	"github.com/routeflow/bgpd/internal/bgp/table"
	"github.com/routeflow/bgpd/internal/bgp/wire"
)

// Config is the static, operator-supplied configuration for one neighbor.
type Config struct {
	LocalASN   uint32
	LocalID    netip.Addr
	RemoteASN  uint32
	RemoteAddr netip.AddrPort
	HoldTime   int // seconds; 0 disables the hold timer
	Passive    bool
	Families   []wire.Family
	Type       table.PeerType

	// GracefulRestart advertises RFC 4724 Graceful Restart with
	// restart-time 0 (signalling only — this speaker implements no GR
	// helper mode). Sourced from BGP_GRACEFUL_RESTART_ENABLE; when false
	// the capability is omitted entirely rather than sent with a zero
	// restart time.
	GracefulRestart bool

	// VendorTag mirrors the original's opaque control_node/vendor flag:
	// downstream logic outside this core may key off it, but nothing in
	// this package attaches any behavior to its value.
	VendorTag string

	// SkipUpdateSend is a test hook (BGP_SKIP_UPDATE_SEND) that makes
	// SendUpdate a no-op instead of writing to the wire.
	SkipUpdateSend bool

	// KeepaliveSeconds overrides the RFC 4271 §4.4 default keepalive
	// cadence of negotiatedHold/3 (BGP_KEEPALIVE_SECONDS). Zero keeps the
	// default ratio.
	KeepaliveSeconds int
}

// Peer owns one neighbor's state machine. It is the fsm.Callbacks this
// machine drives (dialing out, building OPEN, observing transitions) and
// the table.PeerHandle attached to every route this neighbor contributes,
// so best-path selection can compare peers without reaching back into
// this package.
type Peer struct {
	cfg Config
	log *slog.Logger

	machine *fsm.Machine
	dialer  net.Dialer

	// OnEstablished/OnIdle let the owning server hook RIB membership
	// (join on ESTABLISHED, leave on the trip back to IDLE) without peer
	// importing the server or membership packages.
	OnEstablished func(p *Peer)
	OnIdle        func(p *Peer)

	// OnRouteUpdate/OnRouteEndOfRIB let the owning server install/withdraw
	// NLRI and react to RTarget End-of-RIB without peer importing table
	// directly. Named distinctly from the fsm.Callbacks methods below
	// since Go does not allow a field and a method to share a name.
	OnRouteUpdate   func(p *Peer, msg *wire.UpdateMessage)
	OnRouteEndOfRIB func(p *Peer, family wire.Family)

	stats stats
}

// NotificationRecord is a snapshot of one NOTIFICATION sent or received.
type NotificationRecord struct {
	Code, Subcode byte
	At            time.Time
}

// Stats is the point-in-time introspection snapshot internal/bgp/metrics
// renders as both a JSON /peers entry and a set of Prometheus series.
type Stats struct {
	State           fsm.State
	LastStateChange time.Time
	FlapCount       uint64
	LastNotifSent   *NotificationRecord
	LastNotifRecv   *NotificationRecord
}

type stats struct {
	mu              sync.Mutex
	lastStateChange time.Time
	lastNotifSent   *NotificationRecord
	lastNotifRecv   *NotificationRecord
}

// Stats returns a snapshot of this peer's introspection counters.
func (p *Peer) Stats() Stats {
	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()
	return Stats{
		State:           p.State(),
		LastStateChange: p.stats.lastStateChange,
		FlapCount:       p.machine.FlapCount(),
		LastNotifSent:   p.stats.lastNotifSent,
		LastNotifRecv:   p.stats.lastNotifRecv,
	}
}

// New creates a Peer in the IDLE state. Call Run to start its event loop
// and Start to begin session establishment.
func New(cfg Config, log *slog.Logger) *Peer {
	if log == nil {
		log = slog.Default()
	}
	p := &Peer{cfg: cfg, log: log.With("peer", cfg.RemoteAddr)}
	p.machine = fsm.New(p, p.log)
	return p
}

func (p *Peer) Run()              { go p.machine.Run() }
func (p *Peer) Start()            { p.machine.Post(fsm.NewStart()) }
func (p *Peer) Stop(subcode byte) { p.machine.Post(fsm.NewStop(subcode)) }
func (p *Peer) State() fsm.State  { return p.machine.State() }
func (p *Peer) Close()            { p.machine.Close() }

// SendUpdate writes an UPDATE on this peer's current Established session,
// or does nothing if BGP_SKIP_UPDATE_SEND is set for this peer. Returns an
// error if the peer is not currently Established.
func (p *Peer) SendUpdate(msg *wire.UpdateMessage) error {
	if p.cfg.SkipUpdateSend {
		return nil
	}
	return p.machine.SendUpdate(msg)
}

// ConfiguredRemoteAddr is the neighbor address this peer was configured
// with, used by a listener to match an inbound TCP connection (whose
// source port is ephemeral, not this configured one) to the peer it
// belongs to.
func (p *Peer) ConfiguredRemoteAddr() netip.Addr { return p.cfg.RemoteAddr.Addr() }

// AcceptConn hands a passively-accepted TCP connection to this peer's
// state machine. The connection is only ever a candidate until the
// machine's own collision-resolution logic decides to keep it.
func (p *Peer) AcceptConn(conn net.Conn) {
	s := NewSession(conn, true, p.log)
	go s.Read(p.machine)
	p.machine.Post(fsm.NewTcpPassiveOpen(s))
}

// --- fsm.Callbacks ---

func (p *Peer) Dial() (fsm.SessionHandle, error) {
	conn, err := p.dialer.Dial("tcp", p.cfg.RemoteAddr.String())
	if err != nil {
		return nil, err
	}
	s := NewSession(conn, false, p.log)
	go s.Read(p.machine)
	return s, nil
}

func (p *Peer) BuildOpen(holdTime int) *wire.OpenMessage {
	open := &wire.OpenMessage{
		Version:       4,
		MyAS:          p.cfg.LocalASN,
		HoldTime:      uint16(holdTime),
		BGPIdentifier: p.cfg.LocalID,
	}
	for _, fam := range p.cfg.Families {
		v := make([]byte, 4)
		binary.BigEndian.PutUint16(v[0:2], fam.AFI)
		v[3] = fam.SAFI
		open.Capabilities = append(open.Capabilities, wire.Capability{Code: wire.CapMultiprotocol, Value: v})
	}
	if p.cfg.GracefulRestart {
		// Flags nibble 0 (not currently restarting), restart-time 0:
		// signalling only, no per-family forwarding-state preserved.
		open.Capabilities = append(open.Capabilities, wire.Capability{Code: wire.CapGracefulRestart, Value: []byte{0x00, 0x00}})
	}
	return open
}

func (p *Peer) LocalIdentifier() uint32 { return uint32FromAddr(p.cfg.LocalID) }
func (p *Peer) ConfiguredHoldTime() int { return p.cfg.HoldTime }
func (p *Peer) Passive() bool           { return p.cfg.Passive }

func (p *Peer) KeepaliveInterval() time.Duration {
	if p.cfg.KeepaliveSeconds <= 0 {
		return 0
	}
	return time.Duration(p.cfg.KeepaliveSeconds) * time.Second
}

func (p *Peer) OnStateChange(old, new fsm.State) {
	p.log.Info("bgp peer state transition", "from", old, "to", new)
	p.stats.mu.Lock()
	p.stats.lastStateChange = time.Now()
	p.stats.mu.Unlock()
	switch new {
	case fsm.Established:
		if p.OnEstablished != nil {
			p.OnEstablished(p)
		}
	case fsm.Idle:
		if p.OnIdle != nil {
			p.OnIdle(p)
		}
	}
}

func (p *Peer) OnNotificationSent(code, subcode byte, data []byte) {
	p.log.Warn("bgp notification sent", "code", code, "subcode", subcode)
	p.stats.mu.Lock()
	p.stats.lastNotifSent = &NotificationRecord{Code: code, Subcode: subcode, At: time.Now()}
	p.stats.mu.Unlock()
}

func (p *Peer) OnNotificationReceived(code, subcode byte, data []byte) {
	p.log.Warn("bgp notification received", "code", code, "subcode", subcode)
	p.stats.mu.Lock()
	p.stats.lastNotifRecv = &NotificationRecord{Code: code, Subcode: subcode, At: time.Now()}
	p.stats.mu.Unlock()
}

func (p *Peer) OnUpdate(msg *wire.UpdateMessage) {
	if p.OnRouteUpdate != nil {
		p.OnRouteUpdate(p, msg)
	}
}

// FailUpdate tears the session down with a NOTIFICATION built from e. Used
// by the routing instance when an UPDATE passes wire decoding but fails
// peer-context-aware semantic validation (spec.md §4.1).
func (p *Peer) FailUpdate(e *wire.ParseError) {
	p.machine.Post(fsm.NewBgpUpdateError(nil, e))
}

func (p *Peer) OnEndOfRIB(family wire.Family) {
	p.log.Info("end-of-rib received", "family", family)
	if p.OnRouteEndOfRIB != nil {
		p.OnRouteEndOfRIB(p, family)
	}
}

// --- table.PeerHandle ---

func (p *Peer) ASN() uint32            { return p.cfg.RemoteASN }
func (p *Peer) Identifier() netip.Addr { return p.cfg.RemoteAddr.Addr() }
func (p *Peer) Type() table.PeerType   { return p.cfg.Type }
func (p *Peer) Key() string            { return p.cfg.RemoteAddr.String() }

func uint32FromAddr(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
