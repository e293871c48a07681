package proxywrap

import (
	"net"

	"github.com/pkg/errors"
)

// PrivateNetworks lists the address ranges that cannot appear on Internet.
// Load balancers usually connect from one of those.
var PrivateNetworks = []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "::1/128", "fd00::/8"}

// ParseTrustedProxies parses a list of CIDRs for use as Server.TrustedProxies.
//
//	srv.TrustedProxies, err = proxywrap.ParseTrustedProxies(proxywrap.PrivateNetworks)
func ParseTrustedProxies(cidrs []string) ([]*net.IPNet, error) {
	allowed := []*net.IPNet{}

	for _, s := range cidrs {
		_, ipn, err := net.ParseCIDR(s)
		if err != nil {
			return nil, errors.Wrapf(err, "proxywrap: invalid trusted proxy %q", s)
		}
		allowed = append(allowed, ipn)
	}

	return allowed, nil
}

// trusted reports whether a peer may send a PROXY header. An empty list
// trusts everyone.
func trusted(addr net.Addr, nets []*net.IPNet) bool {
	if len(nets) == 0 {
		return true
	}

	var ip net.IP
	switch ipaddr := addr.(type) {
	case *net.TCPAddr:
		ip = ipaddr.IP
	case *net.IPAddr:
		ip = ipaddr.IP
	default:
		return false
	}

	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
