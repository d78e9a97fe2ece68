package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/fenglingyubing/expandscreen/internal/protocol"
)

// TestDedupeAndSortCollapsesDuplicateHits exercises spec §8's de-dup
// testable property: identical responses observed from two source
// addresses collapse into a single entry.
func TestDedupeAndSortCollapsesDuplicateHits(t *testing.T) {
	hits := []Result{
		{ServerId: "PC1", ServerName: "desk", Host: "192.168.1.10", TcpPort: 15555},
		{ServerId: "PC1", ServerName: "desk", Host: "192.168.1.10", TcpPort: 15555},
	}
	got := dedupeAndSort(hits)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

// TestDedupeAndSortOrdersByServerName exercises spec §8 scenario 6: two
// distinct servers answer the same broadcast, and the client returns two
// entries sorted by server name.
func TestDedupeAndSortOrdersByServerName(t *testing.T) {
	hits := []Result{
		{ServerId: "PC2", ServerName: "zeta", Host: "10.0.0.2", TcpPort: 15555},
		{ServerId: "PC1", ServerName: "alpha", Host: "10.0.0.1", TcpPort: 15555},
	}
	got := dedupeAndSort(hits)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ServerId != "PC1" || got[1].ServerId != "PC2" {
		t.Fatalf("order = [%s, %s], want [PC1, PC2]", got[0].ServerId, got[1].ServerId)
	}
}

// TestDedupeAndSortKeyIncludesHostAndPort ensures the same serverId on two
// different hosts is NOT collapsed — the de-dup key is (serverId, host,
// tcpPort), not serverId alone.
func TestDedupeAndSortKeyIncludesHostAndPort(t *testing.T) {
	hits := []Result{
		{ServerId: "PC1", ServerName: "desk", Host: "192.168.1.10", TcpPort: 15555},
		{ServerId: "PC1", ServerName: "desk", Host: "192.168.2.10", TcpPort: 15555},
	}
	got := dedupeAndSort(hits)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

// TestServerRespondsOverUnicast exercises the server's handleDatagram path
// end to end over loopback UDP, unicast rather than broadcast (sending to
// 255.255.255.255 needs the SO_BROADCAST socket option this test doesn't
// need to exercise — that plumbing lives in broadcastAddrs/Discover).
func TestServerRespondsOverUnicast(t *testing.T) {
	srv, err := NewServer(0, 15555, "PC1", "desk", "1.0.0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	go func() { _ = srv.Serve() }()

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen client socket: %v", err)
	}
	defer client.Close()

	req := protocol.DiscoveryRequest{
		MessageType:              protocol.DiscoveryMessageTypeRequest,
		RequestId:                "R1",
		DiscoveryProtocolVersion: protocol.DiscoveryProtocolVersion,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := client.WriteToUDP(payload, srv.conn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("send request: %v", err)
	}

	if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	buf := make([]byte, maxDatagramBytes)
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	var resp protocol.DiscoveryResponse
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.MessageType != protocol.DiscoveryMessageTypeResponse {
		t.Fatalf("MessageType = %q, want DiscoveryResponse", resp.MessageType)
	}
	if resp.RequestId != "R1" {
		t.Fatalf("RequestId = %q, want R1", resp.RequestId)
	}
	if resp.ServerId != "PC1" || resp.TcpPort != 15555 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

// TestServerDropsMismatchedProtocolVersion exercises spec §4.8's "drop
// malformed or non-matching MessageType packets" rule for the version
// field: a request carrying a future protocol version gets no reply.
func TestServerDropsMismatchedProtocolVersion(t *testing.T) {
	srv, err := NewServer(0, 15555, "PC1", "desk", "1.0.0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	go func() { _ = srv.Serve() }()

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen client socket: %v", err)
	}
	defer client.Close()

	req := protocol.DiscoveryRequest{
		MessageType:              protocol.DiscoveryMessageTypeRequest,
		RequestId:                "R2",
		DiscoveryProtocolVersion: protocol.DiscoveryProtocolVersion + 1,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := client.WriteToUDP(payload, srv.conn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("send request: %v", err)
	}

	if err := client.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	buf := make([]byte, maxDatagramBytes)
	if _, _, err := client.ReadFromUDP(buf); err == nil {
		t.Fatalf("expected read timeout, got a response")
	}
}
