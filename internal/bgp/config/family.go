package config

import (
	"fmt"

	"github.com/routeflow/bgpd/internal/bgp/wire"
)

// ParseFamily maps a config file's family name to its wire.Family value,
// the inverse of wire.Family.String().
func ParseFamily(name string) (wire.Family, error) {
	switch name {
	case "inet":
		return wire.FamilyInet, nil
	case "inet-vpn":
		return wire.FamilyInetVPN, nil
	case "inet6":
		return wire.FamilyInet6, nil
	case "inet6-vpn":
		return wire.FamilyInet6VPN, nil
	case "rtarget":
		return wire.FamilyRTarget, nil
	case "ermvpn":
		return wire.FamilyERMVPN, nil
	case "evpn":
		return wire.FamilyEVPN, nil
	default:
		return wire.Family{}, fmt.Errorf("unknown address family %q", name)
	}
}

// ParseFamilies maps every entry in names, stopping at the first unknown
// family.
func ParseFamilies(names []string) ([]wire.Family, error) {
	fams := make([]wire.Family, 0, len(names))
	for _, n := range names {
		f, err := ParseFamily(n)
		if err != nil {
			return nil, err
		}
		fams = append(fams, f)
	}
	return fams, nil
}
