package server

import (
	"fmt"
	"net/netip"

	"github.com/routeflow/bgpd/internal/bgp/config"
	"github.com/routeflow/bgpd/internal/bgp/metrics"
	"github.com/routeflow/bgpd/internal/bgp/table"
	"github.com/routeflow/bgpd/internal/bgp/wire"
)

// Routes implements metrics.StatusProvider: it renders every route in
// instance's table for family as JSON-able views for GET /routes. An empty
// instance name addresses the default/master instance.
func (s *Server) Routes(instance, family string) ([]metrics.RouteView, error) {
	fam, err := config.ParseFamily(family)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	inst, ok := s.instances[instance]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no such routing instance %q", instance)
	}

	tbl, ok := inst.tableIfExists(fam)
	if !ok {
		return []metrics.RouteView{}, nil
	}

	var out []metrics.RouteView
	tbl.ForEach(func(r *table.Route) {
		out = append(out, renderRoute(r))
	})
	return out, nil
}

func renderRoute(r *table.Route) metrics.RouteView {
	view := metrics.RouteView{Prefix: r.Prefix.String()}
	for i, p := range r.Paths {
		view.Paths = append(view.Paths, renderPath(p, i == 0))
	}
	return view
}

func renderPath(p *table.Path, isBest bool) metrics.PathView {
	pv := metrics.PathView{IsBest: isBest, Origin: "incomplete"}

	neighbor := "local"
	if p.Peer != nil {
		neighbor = p.Peer.Key()
	}
	pv.Neighbor = neighbor

	if p.Attr == nil {
		return pv
	}
	spec := p.Attr.Spec()

	switch spec.Origin {
	case wire.OriginIGP:
		pv.Origin = "igp"
	case wire.OriginEGP:
		pv.Origin = "egp"
	}

	for _, seg := range spec.ASPath.Segments {
		segType := "as-sequence"
		if seg.Type == wire.ASSet {
			segType = "as-set"
		}
		pv.ASPath = append(pv.ASPath, metrics.ASPathSegment{Type: segType, ASNs: seg.ASNs})
	}

	switch {
	case spec.NextHopPresent:
		pv.NextHop = spec.NextHop.String()
	case spec.MPReach != nil:
		if addr, ok := netip.AddrFromSlice(spec.MPReach.NextHop); ok {
			pv.NextHop = addr.String()
		}
	}

	if spec.MEDPresent {
		pv.MED = spec.MED
	}
	if spec.LocalPrefPresent {
		pv.LocalPref = spec.LocalPref
	}
	for _, c := range spec.Communities {
		pv.Communities = append(pv.Communities, fmt.Sprintf("%d:%d", c>>16, c&0xFFFF))
	}

	return pv
}
