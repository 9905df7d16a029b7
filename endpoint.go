package flute

import (
	"fmt"
	"net"
)

// UDPEndpoint identifies one side of a FLUTE session. The source address
// is optional and only used for demultiplexing on the receiver.
type UDPEndpoint struct {
	SourceAddress string
	DestAddress   string
	Port          uint16
}

func NewUDPEndpoint(source string, destination string, port uint16) UDPEndpoint {
	return UDPEndpoint{SourceAddress: source, DestAddress: destination, Port: port}
}

// Key returns the demux key of the endpoint. Endpoints compare equal
// when source, destination and port all match.
func (endpoint UDPEndpoint) Key() string {
	return fmt.Sprintf("%s|%s|%d", endpoint.SourceAddress, endpoint.DestAddress, endpoint.Port)
}

func (endpoint UDPEndpoint) String() string {
	if endpoint.SourceAddress != "" {
		return fmt.Sprintf("%s->%s:%d", endpoint.SourceAddress, endpoint.DestAddress, endpoint.Port)
	}
	return fmt.Sprintf("%s:%d", endpoint.DestAddress, endpoint.Port)
}

// UDPAddr converts the destination to a net.UDPAddr, for callers wiring
// the engine to an actual socket.
func (endpoint UDPEndpoint) UDPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(endpoint.DestAddress)
	if ip == nil {
		return nil, fmt.Errorf("%w: bad destination address %q", ErrConfig, endpoint.DestAddress)
	}
	return &net.UDPAddr{IP: ip, Port: int(endpoint.Port)}, nil
}
