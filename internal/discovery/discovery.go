// Package discovery implements the UDP broadcast request/response protocol
// that locates hosts on a LAN (spec §4.8): a client broadcasts a
// DiscoveryRequest and collects DiscoveryResponse replies for a deadline; a
// server listens on the discovery port and answers every well-formed
// request addressed to it.
package discovery

import (
	"net"
	"sort"

	"github.com/fenglingyubing/expandscreen/internal/logging"
)

var log = logging.L("discovery")

// Result is one de-duplicated discovery hit, ready for display or for
// dialing the reported TcpPort.
type Result struct {
	ServerId           string
	ServerName         string
	Host               string
	TcpPort            int
	ServerVersion      string
	WebSocketSupported bool
}

type resultKey struct {
	serverId string
	host     string
	tcpPort  int
}

// dedupeAndSort collapses duplicate (serverId, host, tcpPort) hits — the
// same server answering on more than one broadcast interface, per spec §8's
// de-dup testable property — and returns entries sorted by ServerName, then
// ServerId as a tiebreaker so the order is stable across runs.
func dedupeAndSort(hits []Result) []Result {
	seen := make(map[resultKey]Result, len(hits))
	order := make([]resultKey, 0, len(hits))
	for _, h := range hits {
		k := resultKey{serverId: h.ServerId, host: h.Host, tcpPort: h.TcpPort}
		if _, ok := seen[k]; !ok {
			order = append(order, k)
		}
		seen[k] = h
	}
	out := make([]Result, 0, len(order))
	for _, k := range order {
		out = append(out, seen[k])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerName != out[j].ServerName {
			return out[i].ServerName < out[j].ServerName
		}
		return out[i].ServerId < out[j].ServerId
	})
	return out
}

// broadcastAddrs returns every address a DiscoveryRequest should be sent
// to: the global limited broadcast plus the subnet broadcast address of
// each up, non-loopback IPv4 interface (spec §4.8 supplement — the core has
// no DHCP client, so it derives the subnet from what net.Interfaces()
// already exposes rather than reading a lease file).
func broadcastAddrs() []net.IP {
	addrs := []net.IP{net.IPv4bcast}

	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warn("enumerate interfaces for discovery broadcast", logging.KeyError, err)
		return addrs
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifaceAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			mask := ipNet.Mask
			if len(mask) != 4 {
				continue
			}
			bcast := make(net.IP, 4)
			for i := range bcast {
				bcast[i] = ip4[i] | ^mask[i]
			}
			addrs = append(addrs, bcast)
		}
	}
	return addrs
}
