package wire

import (
	"net/netip"
	"testing"
)

func TestUpdateWithdrawnRoutesDecodesEveryPrefix(t *testing.T) {
	// Regression test: an earlier revision of the withdrawn-routes loop
	// advanced the cursor twice per iteration and silently dropped every
	// other withdrawn prefix. Three distinct /32s must all come back.
	withdrawn := []Prefix{
		{Family: FamilyInet, Addr: netip.MustParseAddr("10.0.0.1"), Length: 32},
		{Family: FamilyInet, Addr: netip.MustParseAddr("10.0.0.2"), Length: 32},
		{Family: FamilyInet, Addr: netip.MustParseAddr("10.0.0.3"), Length: 32},
	}
	msg := &UpdateMessage{WithdrawnRoutes: withdrawn}

	buf := make([]byte, 4096)
	n, err := Encode(msg, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, perr := Decode(buf[:n])
	if perr != nil {
		t.Fatalf("Decode: %v", perr)
	}
	update, ok := decoded.(*UpdateMessage)
	if !ok {
		t.Fatalf("decoded message is %T, want *UpdateMessage", decoded)
	}
	if len(update.WithdrawnRoutes) != 3 {
		t.Fatalf("got %d withdrawn routes, want 3", len(update.WithdrawnRoutes))
	}
	for i, p := range update.WithdrawnRoutes {
		if p.Addr != withdrawn[i].Addr {
			t.Errorf("withdrawn[%d] = %s, want %s", i, p.Addr, withdrawn[i].Addr)
		}
	}
}

func TestUpdateRoundTripWithNextHopAndAttributes(t *testing.T) {
	attr := Attr{
		OriginPresent:  true,
		Origin:         OriginIGP,
		ASPath:         ASPath{Segments: []ASPathSegment{{Type: ASSequence, ASNs: []uint32{65001, 65002}}}},
		NextHopPresent: true,
		NextHop:        netip.MustParseAddr("192.0.2.1"),
		MEDPresent:     true,
		MED:            100,
		Communities:    []uint32{0xFFFFFF01},
	}
	nlri := []Prefix{{Family: FamilyInet, Addr: netip.MustParseAddr("203.0.113.0"), Length: 24}}
	msg := &UpdateMessage{Attr: attr, NLRI: nlri}

	buf := make([]byte, 4096)
	n, err := Encode(msg, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, perr := Decode(buf[:n])
	if perr != nil {
		t.Fatalf("Decode: %v", perr)
	}
	update := decoded.(*UpdateMessage)
	if update.Attr.ASPath.Len() != 2 {
		t.Errorf("AS-path length = %d, want 2", update.Attr.ASPath.Len())
	}
	if update.Attr.NextHop != attr.NextHop {
		t.Errorf("next-hop = %s, want %s", update.Attr.NextHop, attr.NextHop)
	}
	if len(update.NLRI) != 1 || update.NLRI[0].Length != 24 {
		t.Fatalf("NLRI mismatch: %+v", update.NLRI)
	}
}

func TestUpdateNLRIWithoutNextHopIsRejected(t *testing.T) {
	msg := &UpdateMessage{NLRI: []Prefix{{Family: FamilyInet, Addr: netip.MustParseAddr("10.0.0.0"), Length: 8}}}
	buf := make([]byte, 4096)
	n, err := Encode(msg, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, perr := Decode(buf[:n]); perr == nil {
		t.Fatal("expected a ParseError for NLRI without NEXT_HOP")
	}
}

func TestEndOfRIBMarker(t *testing.T) {
	msg := &UpdateMessage{}
	buf := make([]byte, 64)
	n, err := Encode(msg, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, perr := Decode(buf[:n])
	if perr != nil {
		t.Fatalf("Decode: %v", perr)
	}
	update := decoded.(*UpdateMessage)
	fam, ok := update.IsEndOfRIB()
	if !ok || fam != FamilyInet {
		t.Fatalf("IsEndOfRIB() = (%v, %v), want (inet, true)", fam, ok)
	}
}
