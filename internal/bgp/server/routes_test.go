package server

import (
	"net/netip"
	"testing"

	"github.com/routeflow/bgpd/internal/bgp/attr"
	"github.com/routeflow/bgpd/internal/bgp/table"
	"github.com/routeflow/bgpd/internal/bgp/wire"
)

type fakeRoutePeer struct{ key string }

func (f *fakeRoutePeer) ASN() uint32           { return 65001 }
func (f *fakeRoutePeer) Identifier() netip.Addr { return netip.MustParseAddr("10.0.0.2") }
func (f *fakeRoutePeer) Type() table.PeerType   { return table.PeerTypeEBGP }
func (f *fakeRoutePeer) Key() string            { return f.key }

func testRoutePrefix(addr string, length int) table.Prefix {
	return table.NewPrefix(wire.Prefix{Family: wire.FamilyInet, Addr: netip.MustParseAddr(addr), Length: uint8(length)})
}

func TestRenderRouteIncludesEveryPath(t *testing.T) {
	db := attr.New()
	peerA := &fakeRoutePeer{key: "10.0.0.2:179"}

	route := table.NewRoute(testRoutePrefix("10.1.0.0", 24))
	route.InsertPath(&table.Path{
		Peer:   peerA,
		Source: table.SourceBGP,
		Attr: db.Locate(wire.Attr{
			OriginPresent: true, Origin: wire.OriginIGP,
			ASPath:           wire.ASPath{Segments: []wire.ASPathSegment{{Type: wire.ASSequence, ASNs: []uint32{65001, 65002}}}},
			NextHopPresent:   true,
			NextHop:          netip.MustParseAddr("192.0.2.1"),
			LocalPrefPresent: true,
			LocalPref:        100,
			Communities:      []uint32{65001<<16 | 100},
		}),
	})

	view := renderRoute(route)
	if view.Prefix != "10.1.0.0/24" {
		t.Errorf("Prefix = %q, want 10.1.0.0/24", view.Prefix)
	}
	if len(view.Paths) != 1 {
		t.Fatalf("len(Paths) = %d, want 1", len(view.Paths))
	}

	p := view.Paths[0]
	if !p.IsBest {
		t.Error("sole path should be marked best")
	}
	if p.Neighbor != "10.0.0.2:179" {
		t.Errorf("Neighbor = %q, want 10.0.0.2:179", p.Neighbor)
	}
	if p.Origin != "igp" {
		t.Errorf("Origin = %q, want igp", p.Origin)
	}
	if p.NextHop != "192.0.2.1" {
		t.Errorf("NextHop = %q, want 192.0.2.1", p.NextHop)
	}
	if p.LocalPref != 100 {
		t.Errorf("LocalPref = %d, want 100", p.LocalPref)
	}
	if len(p.ASPath) != 1 || len(p.ASPath[0].ASNs) != 2 {
		t.Fatalf("ASPath = %+v", p.ASPath)
	}
	if p.ASPath[0].Type != "as-sequence" {
		t.Errorf("ASPath[0].Type = %q, want as-sequence", p.ASPath[0].Type)
	}
	if len(p.Communities) != 1 || p.Communities[0] != "65001:100" {
		t.Errorf("Communities = %v, want [65001:100]", p.Communities)
	}
}

func TestRenderPathLocalRouteHasNoNeighbor(t *testing.T) {
	db := attr.New()
	route := table.NewRoute(testRoutePrefix("10.2.0.0", 24))
	route.InsertPath(&table.Path{
		Source: table.SourceLocal,
		Attr:   db.Locate(wire.Attr{}),
	})

	view := renderRoute(route)
	if len(view.Paths) != 1 {
		t.Fatalf("len(Paths) = %d, want 1", len(view.Paths))
	}
	if view.Paths[0].Neighbor != "local" {
		t.Errorf("Neighbor = %q, want local", view.Paths[0].Neighbor)
	}
}

func TestRenderPathFallsBackToMPReachNextHop(t *testing.T) {
	db := attr.New()
	peerA := &fakeRoutePeer{key: "2001:db8::2"}
	route := table.NewRoute(testRoutePrefix("10.3.0.0", 24))

	nh := netip.MustParseAddr("2001:db8::1")
	nhBytes, _ := nh.MarshalBinary()
	route.InsertPath(&table.Path{
		Peer:   peerA,
		Source: table.SourceBGP,
		Attr: db.Locate(wire.Attr{
			MPReach: &wire.MPReach{Family: wire.FamilyInet6, NextHop: nhBytes},
		}),
	})

	view := renderRoute(route)
	if view.Paths[0].NextHop != "2001:db8::1" {
		t.Errorf("NextHop = %q, want 2001:db8::1", view.Paths[0].NextHop)
	}
}

func TestRenderRouteAttrlessPathDefaultsOriginToIncomplete(t *testing.T) {
	route := table.NewRoute(testRoutePrefix("10.4.0.0", 24))
	route.InsertPath(&table.Path{Source: table.SourceLocal})

	view := renderRoute(route)
	if len(view.Paths) != 1 {
		t.Fatalf("len(Paths) = %d, want 1", len(view.Paths))
	}
	if view.Paths[0].Origin != "incomplete" {
		t.Errorf("Origin = %q, want incomplete (default)", view.Paths[0].Origin)
	}
}
