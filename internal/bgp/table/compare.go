package table

// Compare implements the BGP best-path tie break (spec.md §4.4) as a
// strict total order where "lower is better": Compare(a, b) < 0 means a
// should sort before b. When ecmp is true, ties are allowed to survive
// past step 3 (the local-pref check) instead of being broken by AS-path
// length and the remaining steps.
func Compare(a, b *Path, ecmp bool) int {
	if c := compareFeasible(a, b); c != 0 {
		return c
	}
	if c := compareLocalPref(a, b); c != 0 {
		return c
	}
	if ecmp {
		return 0
	}
	if c := compareASPathLength(a, b); c != 0 {
		return c
	}
	if c := compareOrigin(a, b); c != 0 {
		return c
	}
	if c := compareMED(a, b); c != 0 {
		return c
	}
	if c := compareLocalOrigin(a, b); c != 0 {
		return c
	}
	if c := compareInt(int(a.Source), int(b.Source)); c != 0 {
		return c
	}
	if a.Peer == nil && b.Peer == nil {
		return compareUint32(a.PathID, b.PathID)
	}
	if c := compareXMPPBeforeBGP(a, b); c != 0 {
		return c
	}
	if c := compareUint32(a.PathID, b.PathID); c != 0 {
		return c
	}
	if c := comparePeerType(a, b); c != 0 {
		return c
	}
	if c := compareIdentifier(a, b); c != 0 {
		return c
	}
	return comparePeerKey(a, b)
}

func compareFeasible(a, b *Path) int {
	af, bf := a.Feasible(), b.Feasible()
	switch {
	case af && !bf:
		return -1
	case !af && bf:
		return 1
	default:
		return 0
	}
}

func compareLocalPref(a, b *Path) int {
	// Higher local-pref wins, so the comparison is inverted relative to a
	// plain numeric ordering.
	ap, bp := localPrefOf(a), localPrefOf(b)
	switch {
	case ap > bp:
		return -1
	case ap < bp:
		return 1
	default:
		return 0
	}
}

func localPrefOf(p *Path) uint32 {
	spec := p.Attr.Spec()
	if spec.LocalPrefPresent {
		return spec.LocalPref
	}
	return 100 // RFC 4271 §5.1.5 default
}

func compareASPathLength(a, b *Path) int {
	return compareInt(a.Attr.Spec().ASPath.Len(), b.Attr.Spec().ASPath.Len())
}

func compareOrigin(a, b *Path) int {
	return compareInt(int(a.Attr.Spec().Origin), int(b.Attr.Spec().Origin))
}

func compareMED(a, b *Path) int {
	aAS, aok := a.Attr.Spec().ASPath.LeftmostAS()
	bAS, bok := b.Attr.Spec().ASPath.LeftmostAS()
	if !aok || !bok || aAS != bAS {
		return 0 // MED only compares paths from the same neighbor AS
	}
	aMED, bMED := medOf(a), medOf(b)
	return compareUint32(aMED, bMED)
}

func medOf(p *Path) uint32 {
	spec := p.Attr.Spec()
	if spec.MEDPresent {
		return spec.MED
	}
	return 0
}

func compareLocalOrigin(a, b *Path) int {
	switch {
	case a.Peer == nil && b.Peer != nil:
		return -1
	case a.Peer != nil && b.Peer == nil:
		return 1
	default:
		return 0
	}
}

func compareXMPPBeforeBGP(a, b *Path) int {
	aXMPP := a.Source == SourceXMPP
	bXMPP := b.Source == SourceXMPP
	switch {
	case aXMPP && !bXMPP:
		return -1
	case !aXMPP && bXMPP:
		return 1
	default:
		return 0
	}
}

func comparePeerType(a, b *Path) int {
	return compareInt(int(a.Peer.Type()), int(b.Peer.Type()))
}

func compareIdentifier(a, b *Path) int {
	ai, bi := a.Peer.Identifier(), b.Peer.Identifier()
	return compareBytes(ai.AsSlice(), bi.AsSlice())
}

func comparePeerKey(a, b *Path) int {
	ak, bk := a.Peer.Key(), b.Peer.Key()
	switch {
	case ak < bk:
		return -1
	case ak > bk:
		return 1
	default:
		return 0
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}
