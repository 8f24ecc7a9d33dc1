package server

import (
	"net/netip"
	"testing"

	"github.com/routeflow/bgpd/internal/bgp/attr"
	"github.com/routeflow/bgpd/internal/bgp/peer"
	"github.com/routeflow/bgpd/internal/bgp/table"
	"github.com/routeflow/bgpd/internal/bgp/wire"
)

func newTestPeerEntry(t *testing.T, peerType table.PeerType) *peerEntry {
	p := peer.New(peer.Config{
		LocalASN:       65000,
		LocalID:        netip.MustParseAddr("10.0.0.1"),
		RemoteASN:      65001,
		RemoteAddr:     netip.MustParseAddrPort("192.0.2.9:179"),
		Families:       []wire.Family{wire.FamilyInet},
		Type:           peerType,
		SkipUpdateSend: true,
	}, testLogger())
	p.Run()
	t.Cleanup(p.Close)

	inst := newRoutingInstance("")
	return &peerEntry{
		key:      "192.0.2.9:179",
		instance: inst,
		p:        p,
		localASN: 65000,
		attrDB:   attr.New(),
		log:      testLogger(),
	}
}

func TestValidateUpdateRejectsMissingOrigin(t *testing.T) {
	pe := newTestPeerEntry(t, table.PeerTypeEBGP)
	perr := pe.validateUpdate(wire.Attr{
		ASPathPresent: true,
		ASPath:        wire.ASPath{Segments: []wire.ASPathSegment{{Type: wire.ASSequence, ASNs: []uint32{65001}}}},
	})
	if perr == nil {
		t.Fatal("expected a validation error for a missing ORIGIN")
	}
	if perr.Subcode != wire.SubMissingWellKnownAttrib || len(perr.Data) != 1 || perr.Data[0] != wire.AttrOrigin {
		t.Errorf("perr = %+v, want MissingWellKnownAttrib/ORIGIN", perr)
	}
}

func TestValidateUpdateRejectsMissingASPath(t *testing.T) {
	pe := newTestPeerEntry(t, table.PeerTypeEBGP)
	perr := pe.validateUpdate(wire.Attr{OriginPresent: true, Origin: wire.OriginIGP})
	if perr == nil {
		t.Fatal("expected a validation error for a missing AS_PATH")
	}
	if perr.Subcode != wire.SubMissingWellKnownAttrib || len(perr.Data) != 1 || perr.Data[0] != wire.AttrASPath {
		t.Errorf("perr = %+v, want MissingWellKnownAttrib/AS_PATH", perr)
	}
}

func TestValidateUpdateRequiresLocalPrefOnIBGP(t *testing.T) {
	pe := newTestPeerEntry(t, table.PeerTypeIBGP)
	base := wire.Attr{
		OriginPresent: true, Origin: wire.OriginIGP,
		ASPathPresent: true,
		ASPath:        wire.ASPath{Segments: []wire.ASPathSegment{{Type: wire.ASSequence, ASNs: []uint32{65001}}}},
	}

	if perr := pe.validateUpdate(base); perr == nil || perr.Data[0] != wire.AttrLocalPref {
		t.Fatalf("expected MissingWellKnownAttrib/LOCAL_PREF for IBGP without Local-pref, got %+v", perr)
	}

	base.LocalPrefPresent = true
	base.LocalPref = 100
	if perr := pe.validateUpdate(base); perr != nil {
		t.Errorf("expected no error once Local-pref is present, got %+v", perr)
	}
}

func TestValidateUpdateRequiresNonEmptyASPathOnEBGP(t *testing.T) {
	pe := newTestPeerEntry(t, table.PeerTypeEBGP)
	perr := pe.validateUpdate(wire.Attr{
		OriginPresent: true, Origin: wire.OriginIGP,
		ASPathPresent: true,
		ASPath:        wire.ASPath{},
	})
	if perr == nil || perr.Subcode != wire.SubMalformedASPath {
		t.Fatalf("expected MalformedASPath for an EBGP session with an empty AS_PATH, got %+v", perr)
	}
}

func TestValidateUpdateAllowsIBGPWithEmptyASPath(t *testing.T) {
	pe := newTestPeerEntry(t, table.PeerTypeIBGP)
	perr := pe.validateUpdate(wire.Attr{
		OriginPresent:    true,
		Origin:           wire.OriginIGP,
		ASPathPresent:    true,
		ASPath:           wire.ASPath{},
		LocalPrefPresent: true,
		LocalPref:        100,
	})
	if perr != nil {
		t.Errorf("a locally-originated IBGP route may carry an empty AS_PATH, got %+v", perr)
	}
}

func TestInstallFamilySetsNoNeighborASWhenLeftmostASMismatches(t *testing.T) {
	pe := newTestPeerEntry(t, table.PeerTypeEBGP)
	tbl := pe.instance.tableFor(wire.FamilyInet)

	spec := wire.Attr{
		OriginPresent: true, Origin: wire.OriginIGP,
		ASPathPresent: true,
		ASPath:        wire.ASPath{Segments: []wire.ASPathSegment{{Type: wire.ASSequence, ASNs: []uint32{65099}}}},
	}
	nlri := []wire.Prefix{{Family: wire.FamilyInet, Addr: netip.MustParseAddr("10.1.0.0"), Length: 24}}
	pe.installFamily(wire.FamilyInet, nlri, nil, spec)

	route, ok := tbl.Find(table.NewPrefix(nlri[0]))
	if !ok {
		t.Fatal("expected the route to be installed")
	}
	path := route.Best()
	if path == nil || path.Flags&table.FlagNoNeighborAS == 0 {
		t.Errorf("expected FlagNoNeighborAS to be set when the leftmost AS (65099) does not match the peer's remote-AS (65001), got %+v", path)
	}
}

func TestInstallFamilyLeavesNoNeighborASClearWhenLeftmostASMatches(t *testing.T) {
	pe := newTestPeerEntry(t, table.PeerTypeEBGP)
	tbl := pe.instance.tableFor(wire.FamilyInet)

	spec := wire.Attr{
		OriginPresent: true, Origin: wire.OriginIGP,
		ASPathPresent: true,
		ASPath:        wire.ASPath{Segments: []wire.ASPathSegment{{Type: wire.ASSequence, ASNs: []uint32{65001}}}},
	}
	nlri := []wire.Prefix{{Family: wire.FamilyInet, Addr: netip.MustParseAddr("10.2.0.0"), Length: 24}}
	pe.installFamily(wire.FamilyInet, nlri, nil, spec)

	route, ok := tbl.Find(table.NewPrefix(nlri[0]))
	if !ok {
		t.Fatal("expected the route to be installed")
	}
	path := route.Best()
	if path == nil || path.Flags&table.FlagNoNeighborAS != 0 {
		t.Errorf("expected FlagNoNeighborAS to be clear when the leftmost AS matches the peer's remote-AS, got %+v", path)
	}
}
