// Package server wires the protocol core — wire, attr, table, fsm, peer,
// membership, lifetime — to a config.Provider and a TCP listener, the way
// the teacher's bgp.Manager wires GoBGP to its own YAML config and gRPC
// stream, generalized from "one process, one collector identity" to
// "N routing instances, each with its own neighbor set".
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/routeflow/bgpd/internal/bgp/attr"
	"github.com/routeflow/bgpd/internal/bgp/config"
	"github.com/routeflow/bgpd/internal/bgp/lifetime"
	"github.com/routeflow/bgpd/internal/bgp/membership"
	"github.com/routeflow/bgpd/internal/bgp/metrics"
	"github.com/routeflow/bgpd/internal/bgp/peer"
	"github.com/routeflow/bgpd/internal/bgp/ratelimit"
	"github.com/routeflow/bgpd/internal/bgp/taskq"
	"github.com/routeflow/bgpd/internal/bgp/wire"
)

// ceaseWriteTimeout bounds the best-effort NOTIFICATION write handleAccept
// sends before closing a rejected connection.
const ceaseWriteTimeout = 2 * time.Second

// configTaskQueue is the one exclusion key this package uses taskq for:
// every config-apply event and operator command serializes against it.
var configTaskQueue = taskq.Key{TaskID: "bgp::Config", InstanceID: 0}

// Server owns every routing instance in one process, the passive TCP
// listener neighbor connections arrive on, and the config.Provider driving
// both into existence.
type Server struct {
	log *slog.Logger
	env EnvOverrides

	provider config.Provider
	listener net.Listener
	connLimit *ratelimit.Limiter

	membership *membership.Manager
	lifetime   *lifetime.Manager
	tasks      *taskq.Queue

	attrDB *attr.DB

	mu        sync.RWMutex
	localASN  uint32
	localID   netip.Addr
	instances map[string]*RoutingInstance
	peers     map[string]*peerEntry // key: NeighborConfig.Key()

	startedAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Server around provider and starts its background workers.
// Call Run to begin consuming config events and accepting connections.
func New(provider config.Provider, env EnvOverrides, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	lm := lifetime.New()
	go lm.Run()
	mm := membership.New()
	go mm.Run()

	connLimit, err := ratelimit.New(env.ConnAttemptsPerInterval, env.ConnRateInterval,
		env.ConnRateCleanup, env.ConnRateStaleAfter)
	if err != nil {
		log.Warn("invalid connection rate limit settings, disabling", "error", err)
		connLimit = nil
	}

	s := &Server{
		log:        log,
		env:        env,
		provider:   provider,
		connLimit:  connLimit,
		membership: mm,
		lifetime:   lm,
		tasks:      taskq.New(configTaskQueue),
		attrDB:     attr.New(),
		instances:  make(map[string]*RoutingInstance),
		peers:      make(map[string]*peerEntry),
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	return s
}

// Run consumes config.Provider events until ctx is cancelled or the
// provider closes its channel. It blocks; call it from its own goroutine
// or as main's final call.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-s.provider.Events():
			if !ok {
				return nil
			}
			s.tasks.Submit(func() { s.applyConfigEvent(ev) })
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		}
	}
}

// Listen binds the passive TCP listener new BGP connections arrive on, per
// the protocol config's listen_port. Must be called before accept loop
// goroutines rely on a non-nil listener.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bgp listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	go s.acceptLoop(ln)
	return nil
}

// Close stops the accept loop, the config provider, and every background
// manager, then tears down every peer and instance without waiting for
// their graceful two-phase delete — a process exit does not need to wait
// for ConnectRetry backoff to unwind.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
		s.provider.Close()
		s.mu.RLock()
		peers := make([]*peerEntry, 0, len(s.peers))
		for _, pe := range s.peers {
			peers = append(peers, pe)
		}
		s.mu.RUnlock()
		for _, pe := range peers {
			pe.p.Close()
		}
		s.membership.Close()
		s.lifetime.Close()
		s.tasks.Close()
		if s.connLimit != nil {
			s.connLimit.Close()
		}
	})
	return nil
}

func (s *Server) applyConfigEvent(ev config.Event) {
	switch obj := ev.Object.(type) {
	case *config.ProtocolConfig:
		s.applyProtocol(ev.Kind, obj)
	case *config.InstanceConfig:
		s.applyInstance(ev.Kind, obj)
	case *config.NeighborConfig:
		s.applyNeighbor(ev.Kind, obj)
	case *config.PolicyConfig:
		// No evaluating engine is wired to policy terms in this tree (see
		// DESIGN.md); the record is accepted and diffed by the provider but
		// has nothing downstream to apply it to.
	default:
		s.log.Warn("unrecognized config event object", "kind", ev.Kind, "type", fmt.Sprintf("%T", obj))
	}
}

func (s *Server) applyProtocol(kind config.EventKind, pc *config.ProtocolConfig) {
	if kind == config.Delete {
		return
	}
	id, err := netip.ParseAddr(pc.RouterID)
	if err != nil {
		s.log.Error("invalid protocol.router_id, keeping previous identity", "router_id", pc.RouterID, "error", err)
		return
	}
	s.mu.Lock()
	s.localASN = pc.ASN
	s.localID = id
	s.mu.Unlock()

	if s.env.RTFilterEORTimeout == 0 {
		s.env.RTFilterEORTimeout = defaultRTFilterEORTimeout
	}

	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln == nil && pc.ListenPort > 0 {
		if err := s.Listen(fmt.Sprintf(":%d", pc.ListenPort)); err != nil {
			s.log.Error("failed to start bgp listener", "error", err)
		}
	}
}

func (s *Server) instanceFor(name string) *RoutingInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		inst = newRoutingInstance(name)
		inst.ref = s.lifetime.Register(inst)
		s.instances[name] = inst
	}
	return inst
}

func (s *Server) applyInstance(kind config.EventKind, ic *config.InstanceConfig) {
	switch kind {
	case config.Add, config.Change:
		s.instanceFor(ic.Name)
	case config.Delete:
		s.mu.Lock()
		inst, ok := s.instances[ic.Name]
		if ok {
			delete(s.instances, ic.Name)
		}
		s.mu.Unlock()
		if ok {
			inst.ref.Delete()
		}
	}
}

func (s *Server) applyNeighbor(kind config.EventKind, nc *config.NeighborConfig) {
	key := nc.Key()
	switch kind {
	case config.Add:
		s.addPeer(key, nc)
	case config.Change:
		// The neighbor already exists under this key: ASN/address identify
		// it, so a Change to either is modeled as tearing down the old peer
		// and bringing up a new one rather than attempting to mutate a live
		// fsm.Machine's identity in place.
		s.removePeer(key)
		s.addPeer(key, nc)
	case config.Delete:
		s.removePeer(key)
	}
}

func (s *Server) addPeer(key string, nc *config.NeighborConfig) {
	remote, err := netip.ParseAddrPort(nc.Neighbor)
	if err != nil {
		s.log.Error("invalid neighbor address, skipping", "neighbor", nc.Neighbor, "error", err)
		return
	}
	fams, err := config.ParseFamilies(nc.Families)
	if err != nil {
		s.log.Error("invalid neighbor families, skipping", "neighbor", nc.Neighbor, "error", err)
		return
	}
	if len(fams) == 0 {
		fams = []wire.Family{wire.FamilyInet}
	}

	s.mu.RLock()
	localASN, localID := s.localASN, s.localID
	s.mu.RUnlock()

	inst := s.instanceFor(nc.Instance)

	cfg := peer.Config{
		LocalASN:        localASN,
		LocalID:         localID,
		RemoteASN:       nc.ASN,
		RemoteAddr:      remote,
		HoldTime:        nc.HoldTime,
		Passive:         nc.Passive,
		Families:        fams,
		GracefulRestart: s.env.GracefulRestart,
		VendorTag:       nc.VendorTag,
		SkipUpdateSend:  s.env.SkipUpdateSend,
		KeepaliveSeconds: s.env.KeepaliveSeconds,
	}
	p := peer.New(cfg, s.log.With("neighbor", nc.Neighbor, "instance", nc.Instance))

	pe := &peerEntry{
		key:             key,
		instance:        inst,
		p:               p,
		families:        fams,
		localASN:        localASN,
		membership:      s.membership,
		attrDB:          s.attrDB,
		log:             s.log,
		rtFilterTimeout: s.env.RTFilterEORTimeout,
	}
	pe.ref = s.lifetime.Register(pe)
	pe.ref.DependsOn(inst.ref)

	p.OnEstablished = pe.onEstablished
	p.OnIdle = pe.onIdle
	p.OnRouteUpdate = pe.onRouteUpdate
	p.OnRouteEndOfRIB = pe.onRouteEndOfRIB

	inst.addPeer(key, pe)
	s.mu.Lock()
	s.peers[key] = pe
	s.mu.Unlock()

	p.Run()
	p.Start()
}

func (s *Server) removePeer(key string) {
	s.mu.Lock()
	pe, ok := s.peers[key]
	if ok {
		delete(s.peers, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	pe.ref.Delete()
}

// peerByAddr finds the configured peer matching an inbound connection's
// remote IP, across every instance; two instances may not configure the
// same neighbor address twice since config.NeighborConfig.Key() includes
// the instance name, but a given address is still unique enough in
// practice that the first match wins.
func (s *Server) peerByAddr(addr netip.Addr) (*peerEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pe := range s.peers {
		if pe.p.ConfiguredRemoteAddr() == addr {
			return pe, true
		}
	}
	return nil, false
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Warn("bgp accept error", "error", err)
				return
			}
		}
		go s.handleAccept(conn)
	}
}

// handleAccept matches an inbound connection to a configured peer by
// remote IP only (the source port is ephemeral) and hands it to that
// peer's state machine, which runs RFC 4271 §6.8 collision resolution
// against any session it is already dialing out on. Connections from an
// address with no configured peer, or that arrive after the server has
// begun closing, are rejected with a best-effort Cease NOTIFICATION.
func (s *Server) handleAccept(conn net.Conn) {
	select {
	case <-s.done:
		writeCeaseAndClose(conn, wire.SubAdministrativeShutdown)
		return
	default:
	}

	remoteAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}
	ip, ok := netip.AddrFromSlice(remoteAddr.IP)
	if !ok {
		conn.Close()
		return
	}
	ip = ip.Unmap()

	if s.connLimit != nil && !s.connLimit.Allow(ip.String()) {
		s.log.Warn("rejecting bgp connection, source exceeded connection attempt rate", "remote", ip)
		writeCeaseAndClose(conn, wire.SubConnectionRejected)
		return
	}

	pe, ok := s.peerByAddr(ip)
	if !ok {
		s.log.Warn("rejecting bgp connection from unconfigured peer", "remote", ip)
		writeCeaseAndClose(conn, wire.SubConnectionRejected)
		return
	}
	pe.p.AcceptConn(conn)
}

// writeCeaseAndClose sends a minimal Cease NOTIFICATION before closing a
// connection this speaker never open-negotiated; best-effort, since a peer
// that is about to be rejected may not be reading either.
func writeCeaseAndClose(conn net.Conn, subcode byte) {
	msg := &wire.NotificationMessage{Code: wire.ErrCodeCease, Subcode: subcode}
	buf := make([]byte, wire.MaxMsgLen)
	n, err := wire.Encode(msg, buf)
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(ceaseWriteTimeout))
		conn.Write(buf[:n])
	}
	conn.Close()
}

// --- metrics.StatusProvider ---

func (s *Server) Status() metrics.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return metrics.Status{
		ASN:        s.localASN,
		RouterID:   s.localID.String(),
		Instances:  len(s.instances),
		PeerCount:  len(s.peers),
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
	}
}

func (s *Server) Peers() []metrics.PeerStatus {
	s.mu.RLock()
	peers := make([]*peerEntry, 0, len(s.peers))
	for _, pe := range s.peers {
		peers = append(peers, pe)
	}
	s.mu.RUnlock()

	out := make([]metrics.PeerStatus, 0, len(peers))
	for _, pe := range peers {
		st := pe.p.Stats()
		ps := metrics.PeerStatus{
			Instance:        pe.instance.Name,
			Neighbor:        pe.p.Key(),
			RemoteASN:       pe.p.ASN(),
			State:           int(st.State),
			StateName:       st.State.String(),
			LastStateChange: st.LastStateChange,
			FlapCount:       st.FlapCount,
		}
		if st.LastNotifSent != nil {
			ps.LastNotifSent = &metrics.NotificationRecord{Code: st.LastNotifSent.Code, Subcode: st.LastNotifSent.Subcode, At: st.LastNotifSent.At}
		}
		if st.LastNotifRecv != nil {
			ps.LastNotifRecv = &metrics.NotificationRecord{Code: st.LastNotifRecv.Code, Subcode: st.LastNotifRecv.Subcode, At: st.LastNotifRecv.At}
		}
		out = append(out, ps)
	}
	return out
}

// ObserveMetrics pushes every current peer snapshot into c; callers call
// this on a ticker to keep the Prometheus series fresh between scrapes.
func (s *Server) ObserveMetrics(c *metrics.Collector) {
	for _, ps := range s.Peers() {
		c.Observe(ps)
	}
}
