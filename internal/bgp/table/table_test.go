package table

import (
	"net/netip"
	"testing"

	"github.com/routeflow/bgpd/internal/bgp/attr"
	"github.com/routeflow/bgpd/internal/bgp/wire"
)

type fakePeer struct {
	asn   uint32
	id    netip.Addr
	typ   PeerType
	key   string
}

func (f *fakePeer) ASN() uint32          { return f.asn }
func (f *fakePeer) Identifier() netip.Addr { return f.id }
func (f *fakePeer) Type() PeerType       { return f.typ }
func (f *fakePeer) Key() string          { return f.key }

func testPrefix(addr string, length int) Prefix {
	return NewPrefix(wire.Prefix{Family: wire.FamilyInet, Addr: netip.MustParseAddr(addr), Length: uint8(length)})
}

func TestComparePrefersHigherLocalPref(t *testing.T) {
	db := attr.New()
	peer := &fakePeer{asn: 65001, id: netip.MustParseAddr("1.1.1.1"), key: "peer-a"}

	low := &Path{Peer: peer, Source: SourceBGP, Attr: db.Locate(wire.Attr{LocalPrefPresent: true, LocalPref: 100})}
	high := &Path{Peer: peer, Source: SourceBGP, Attr: db.Locate(wire.Attr{LocalPrefPresent: true, LocalPref: 200})}

	if Compare(high, low, false) >= 0 {
		t.Errorf("higher local-pref path should sort first")
	}
	if Compare(low, high, false) <= 0 {
		t.Errorf("lower local-pref path should sort second")
	}
}

func TestComparePrefersShorterASPath(t *testing.T) {
	db := attr.New()
	peer := &fakePeer{asn: 65001, id: netip.MustParseAddr("1.1.1.1"), key: "peer-a"}

	short := &Path{Peer: peer, Source: SourceBGP, Attr: db.Locate(wire.Attr{
		ASPath: wire.ASPath{Segments: []wire.ASPathSegment{{Type: wire.ASSequence, ASNs: []uint32{65001}}}},
	})}
	long := &Path{Peer: peer, Source: SourceBGP, Attr: db.Locate(wire.Attr{
		ASPath: wire.ASPath{Segments: []wire.ASPathSegment{{Type: wire.ASSequence, ASNs: []uint32{65001, 65002, 65003}}}},
	})}

	if Compare(short, long, false) >= 0 {
		t.Errorf("shorter AS-path should sort first")
	}
}

func TestCompareLocalPathPrecedesReceived(t *testing.T) {
	db := attr.New()
	peer := &fakePeer{asn: 65001, id: netip.MustParseAddr("1.1.1.1"), key: "peer-a"}

	local := &Path{Peer: nil, Source: SourceLocal, Attr: db.Locate(wire.Attr{})}
	received := &Path{Peer: peer, Source: SourceBGP, Attr: db.Locate(wire.Attr{})}

	if Compare(local, received, false) >= 0 {
		t.Errorf("locally-originated path should precede a received one")
	}
}

func TestTableAddAndDeletePath(t *testing.T) {
	tbl := NewTable(wire.FamilyInet, 4)
	db := attr.New()
	peer := &fakePeer{asn: 65001, id: netip.MustParseAddr("1.1.1.1"), key: "peer-a"}
	prefix := testPrefix("10.0.0.0", 24)

	path := &Path{Peer: peer, PathID: 1, Source: SourceBGP, Attr: db.Locate(wire.Attr{LocalPrefPresent: true, LocalPref: 100})}
	route := tbl.AddPath(prefix, path)
	if route.Best() != path {
		t.Fatalf("expected inserted path to be best")
	}

	found, ok := tbl.Find(prefix)
	if !ok || found != route {
		t.Fatalf("Find did not return the inserted route")
	}

	tbl.DeletePath(prefix, peer, 1)
	if _, ok := tbl.Find(prefix); ok {
		t.Fatalf("route should be gone after its only path is withdrawn")
	}
}

func TestTableBestPathUpdatesOnHigherLocalPref(t *testing.T) {
	tbl := NewTable(wire.FamilyInet, 1)
	db := attr.New()
	peerA := &fakePeer{asn: 65001, id: netip.MustParseAddr("1.1.1.1"), key: "peer-a"}
	peerB := &fakePeer{asn: 65002, id: netip.MustParseAddr("2.2.2.2"), key: "peer-b"}
	prefix := testPrefix("10.0.0.0", 24)

	p1 := &Path{Peer: peerA, PathID: 1, Source: SourceBGP, Attr: db.Locate(wire.Attr{LocalPrefPresent: true, LocalPref: 100})}
	p2 := &Path{Peer: peerB, PathID: 1, Source: SourceBGP, Attr: db.Locate(wire.Attr{LocalPrefPresent: true, LocalPref: 200})}

	route := tbl.AddPath(prefix, p1)
	route = tbl.AddPath(prefix, p2)

	if route.Best() != p2 {
		t.Fatalf("expected higher local-pref path to become best")
	}
	if len(route.Paths) != 2 {
		t.Fatalf("expected both paths retained, got %d", len(route.Paths))
	}
}

type countingMatch struct {
	matches int
	deletes int
}

func (c *countingMatch) Match(route *Route, deleted bool) bool {
	if deleted {
		c.deletes++
	} else {
		c.matches++
	}
	return true
}

func TestListenerSeesExistingAndFutureRoutes(t *testing.T) {
	tbl := NewTable(wire.FamilyInet, 2)
	db := attr.New()
	peer := &fakePeer{asn: 65001, id: netip.MustParseAddr("1.1.1.1"), key: "peer-a"}

	tbl.AddPath(testPrefix("10.0.0.0", 24), &Path{Peer: peer, PathID: 1, Source: SourceBGP, Attr: db.Locate(wire.Attr{})})

	m := &countingMatch{}
	done := false
	id := tbl.Listener().AddMatch(m, func(*Table, ConditionMatch) { done = true })
	if !done {
		t.Fatalf("AddMatch should synchronously complete the initial walk in this single-threaded test")
	}
	if m.matches != 1 {
		t.Fatalf("expected 1 match from the initial walk, got %d", m.matches)
	}

	tbl.AddPath(testPrefix("10.0.1.0", 24), &Path{Peer: peer, PathID: 1, Source: SourceBGP, Attr: db.Locate(wire.Attr{})})
	if m.matches != 2 {
		t.Fatalf("expected a second match from the new route notification, got %d", m.matches)
	}

	removeDone := false
	tbl.Listener().RemoveMatch(id, func(*Table, ConditionMatch) { removeDone = true })
	if !removeDone || m.deletes != 2 {
		t.Fatalf("RemoveMatch should re-walk both routes with deleted=true, got deletes=%d", m.deletes)
	}
	tbl.Listener().UnregisterMatch(id)
}

func TestListenerAddMatchesRunsOneSharedWalk(t *testing.T) {
	tbl := NewTable(wire.FamilyInet, 2)
	db := attr.New()
	peer := &fakePeer{asn: 65001, id: netip.MustParseAddr("1.1.1.1"), key: "peer-a"}

	tbl.AddPath(testPrefix("10.0.0.0", 24), &Path{Peer: peer, PathID: 1, Source: SourceBGP, Attr: db.Locate(wire.Attr{})})
	tbl.AddPath(testPrefix("10.0.1.0", 24), &Path{Peer: peer, PathID: 1, Source: SourceBGP, Attr: db.Locate(wire.Attr{})})

	m1 := &countingMatch{}
	m2 := &countingMatch{}
	var done1, done2 bool
	ids := tbl.Listener().AddMatches(
		[]ConditionMatch{m1, m2},
		[]DoneFunc{
			func(*Table, ConditionMatch) { done1 = true },
			func(*Table, ConditionMatch) { done2 = true },
		},
	)
	if !done1 || !done2 {
		t.Fatal("AddMatches should synchronously complete the shared walk in this single-threaded test")
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected two distinct listener ids, got %v", ids)
	}
	if m1.matches != 2 || m2.matches != 2 {
		t.Fatalf("expected each match to see both routes from the single shared pass, got m1=%d m2=%d", m1.matches, m2.matches)
	}
}
