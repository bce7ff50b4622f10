package transport

import (
	"net"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Address identifies a network endpoint. It is a comparable value and can
// be used as a map key.
type Address struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

func NewAddress(host string, port int) Address {
	return Address{Host: host, Port: port}
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid address %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, errors.Newf("invalid port in address %q", s)
	}
	return Address{Host: host, Port: port}, nil
}

// ParseAddresses parses a list of "host:port" strings, skipping blanks.
func ParseAddresses(ss []string) ([]Address, error) {
	out := make([]Address, 0, len(ss))
	for _, s := range ss {
		if strings.TrimSpace(s) == "" {
			continue
		}
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) IsZero() bool {
	return a == Address{}
}
