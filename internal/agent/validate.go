package agent

import (
	"fmt"
	"net"
	"strings"

	"github.com/fleetd-io/fleetd/pkg/protocol"
)

// maxFieldBytes bounds any single string field on an inbound message. Longer
// values are truncated and logged, not rejected.
const maxFieldBytes = 1 << 20 // 1 MiB

func validateRegister(msg *protocol.Register) error {
	if len(msg.SecretKey) != 64 || !isHex(msg.SecretKey) {
		return fmt.Errorf("secretKey must be 64 hex characters")
	}
	if msg.Hostname == "" || len(msg.Hostname) > 255 {
		return fmt.Errorf("hostname must be 1-255 characters")
	}
	if !isIPv4(msg.IP) {
		return fmt.Errorf("ip must be IPv4 dotted-quad")
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func isIPv4(s string) bool {
	if strings.Count(s, ".") != 3 {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// truncateField caps a string field at maxFieldBytes, reporting whether it
// was cut.
func truncateField(s string) (string, bool) {
	if len(s) <= maxFieldBytes {
		return s, false
	}
	return s[:maxFieldBytes], true
}
