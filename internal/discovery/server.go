package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/fenglingyubing/expandscreen/internal/logging"
	"github.com/fenglingyubing/expandscreen/internal/protocol"
)

// Server answers DiscoveryRequest datagrams with a DiscoveryResponse
// pointing at this host's session TCP listener (spec §4.8).
type Server struct {
	conn       *net.UDPConn
	serverId   string
	serverName string
	tcpPort    int
	version    string

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer binds the discovery UDP port. tcpPort is the port the session
// listener accepts connections on and is what gets reported to clients.
func NewServer(udpPort int, tcpPort int, serverId, serverName, version string) (*Server, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: udpPort})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen udp :%d: %w", udpPort, err)
	}
	return &Server{
		conn:       conn,
		serverId:   serverId,
		serverName: serverName,
		tcpPort:    tcpPort,
		version:    version,
		done:       make(chan struct{}),
	}, nil
}

// Serve blocks, answering requests until Close is called. It returns nil on
// a clean shutdown.
func (s *Server) Serve() error {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			return fmt.Errorf("discovery: read: %w", err)
		}
		s.handleDatagram(buf[:n], src)
	}
}

// handleDatagram drops anything that isn't a well-formed, version-matching
// DiscoveryRequest (spec §4.8: "Responders must drop malformed or
// non-matching MessageType packets").
func (s *Server) handleDatagram(data []byte, src *net.UDPAddr) {
	var req protocol.DiscoveryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if req.MessageType != protocol.DiscoveryMessageTypeRequest {
		return
	}
	if req.DiscoveryProtocolVersion != protocol.DiscoveryProtocolVersion {
		return
	}

	resp := protocol.DiscoveryResponse{
		MessageType:              protocol.DiscoveryMessageTypeResponse,
		RequestId:                req.RequestId,
		DiscoveryProtocolVersion: protocol.DiscoveryProtocolVersion,
		ServerId:                 s.serverId,
		ServerName:               s.serverName,
		TcpPort:                  s.tcpPort,
		WebSocketSupported:       false,
		ServerVersion:            s.version,
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Error("marshal discovery response", logging.KeyError, err)
		return
	}
	if _, err := s.conn.WriteToUDP(payload, src); err != nil {
		log.Warn("reply to discovery request", "source", src.String(), logging.KeyError, err)
	}
}

// Close stops Serve and releases the UDP socket.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}
