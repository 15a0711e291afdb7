package message

import (
	"errors"
	"strings"
)

// ErrBadAddress is returned for destinations that are not local@domain.
var ErrBadAddress = errors.New("address must be of the form user@domain")

// SplitAddress splits addr into its local part and domain. Exactly one '@'
// with non-empty text on both sides is required.
func SplitAddress(addr string) (local, domain string, err error) {
	addr = strings.TrimSpace(addr)
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", "", ErrBadAddress
	}
	return local, domain, nil
}
