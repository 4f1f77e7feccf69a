package txstream

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
)

// Matcher decides whether a raw transaction concerns any of the wallet
// address payloads.
type Matcher interface {
	Matches(rawTx []byte, payloads [][]byte) bool
}

// payloadMatcher scans the raw transaction bytes for the address hash. Script
// templates embed the hash160 verbatim, so a byte scan is sufficient for
// filtering; false positives are resolved by the wallet above.
type payloadMatcher struct{}

func (payloadMatcher) Matches(rawTx []byte, payloads [][]byte) bool {
	for _, p := range payloads {
		if bytes.Contains(rawTx, p) {
			return true
		}
	}
	return false
}

// AddressPayload decodes a base58check address into the hash payload used for
// filter insertion and transaction matching.
func AddressPayload(address string) ([]byte, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", address, err)
	}
	// version byte + payload + 4-byte checksum
	if len(raw) < 6 {
		return nil, fmt.Errorf("address %q too short", address)
	}
	return raw[1 : len(raw)-4], nil
}
