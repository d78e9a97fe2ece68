package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/fenglingyubing/expandscreen/internal/logging"
	"github.com/fenglingyubing/expandscreen/internal/protocol"
)

// DefaultDeadline is the listen window used when Discover is called with a
// non-positive deadline (spec §4.8: "default 1.2 s").
const DefaultDeadline = 1200 * time.Millisecond

const maxDatagramBytes = 8192

// Discover broadcasts one DiscoveryRequest to every reachable broadcast
// address on port udpPort and collects DiscoveryResponse replies until
// deadline elapses, returning a de-duplicated, stably sorted result set
// (spec §4.8, §8 scenario 6).
func Discover(udpPort int, deadline time.Duration) ([]Result, error) {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("discovery: open listen socket: %w", err)
	}
	defer conn.Close()

	if err := enableBroadcast(conn); err != nil {
		log.Warn("enable SO_BROADCAST on discovery socket", logging.KeyError, err)
	}

	req := protocol.DiscoveryRequest{
		MessageType:              protocol.DiscoveryMessageTypeRequest,
		RequestId:                uuid.NewString(),
		DiscoveryProtocolVersion: protocol.DiscoveryProtocolVersion,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: marshal request: %w", err)
	}

	for _, ip := range broadcastAddrs() {
		dst := &net.UDPAddr{IP: ip, Port: udpPort}
		if _, err := conn.WriteToUDP(payload, dst); err != nil {
			log.Warn("send discovery request", "dest", dst.String(), logging.KeyError, err)
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, fmt.Errorf("discovery: set read deadline: %w", err)
	}

	var hits []Result
	buf := make([]byte, maxDatagramBytes)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			break
		}

		var resp protocol.DiscoveryResponse
		if err := json.Unmarshal(buf[:n], &resp); err != nil {
			continue
		}
		if resp.MessageType != protocol.DiscoveryMessageTypeResponse {
			continue
		}
		if resp.RequestId != req.RequestId {
			continue
		}

		hits = append(hits, Result{
			ServerId:           resp.ServerId,
			ServerName:         resp.ServerName,
			Host:               src.IP.String(),
			TcpPort:            resp.TcpPort,
			ServerVersion:      resp.ServerVersion,
			WebSocketSupported: resp.WebSocketSupported,
		})
	}

	return dedupeAndSort(hits), nil
}
