package pool

import (
	"net"
	"strconv"

	"benchproxy/internal/errs"
)

// ServerAddress identifies one backend.
type ServerAddress struct {
	Host string
	Port int
}

func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses host:port.
func ParseAddress(s string) (ServerAddress, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return ServerAddress{}, errs.Configuration("server address %q: %v", s, err)
	}
	if host == "" {
		return ServerAddress{}, errs.Configuration("server address %q has no host", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return ServerAddress{}, errs.Configuration("server address %q has an invalid port", s)
	}
	return ServerAddress{Host: host, Port: p}, nil
}

// ParseAddresses parses every entry, failing on the first invalid one.
func ParseAddresses(ss []string) ([]ServerAddress, error) {
	res := make([]ServerAddress, 0, len(ss))
	for _, s := range ss {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}
