package transport

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
)

var macAddressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// NormalizeAddress validates an address for the given kind and returns its canonical form.
// BLE accepts a MAC address or a peripheral UUID; Wi-Fi accepts a multiaddr or host:port.
func NormalizeAddress(kind Kind, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: address is required", ErrInvalidAddress)
	}
	switch kind {
	case KindBLE:
		if macAddressPattern.MatchString(address) {
			return strings.ToUpper(address), nil
		}
		if id, err := uuid.Parse(address); err == nil {
			return id.String(), nil
		}
		return "", fmt.Errorf("%w: %q is not a BLE MAC or UUID", ErrInvalidAddress, address)
	case KindWiFi:
		if strings.HasPrefix(address, "/") {
			addr, err := ma.NewMultiaddr(address)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
			}
			return addr.String(), nil
		}
		host, port, err := net.SplitHostPort(address)
		if err != nil || strings.TrimSpace(host) == "" {
			return "", fmt.Errorf("%w: %q is not host:port", ErrInvalidAddress, address)
		}
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("%w: bad port %q", ErrInvalidAddress, port)
		}
		return net.JoinHostPort(host, port), nil
	default:
		return "", fmt.Errorf("%w: unknown transport kind %q", ErrInvalidAddress, kind)
	}
}
