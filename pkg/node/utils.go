package node

import (
	"net"
	"net/http"
	"strings"

	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// NormalizeHostPort cuts the http:// and https:// prefixes from addr and
// adds defPort when addr carries no port.
func NormalizeHostPort(addr, defPort string) string {
	addr = strings.TrimSpace(addr)
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defPort)
}

// ParseHostPort normalizes addr and parses it into a transport address.
func ParseHostPort(addr, defPort string) (transport.Address, error) {
	return transport.ParseAddress(NormalizeHostPort(addr, defPort))
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}
