package ratelimit

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const hashLength = 32

// Hasher turns raw identifiers (emails, IPs) into stable opaque keys. The
// scope is part of the input so the same identifier never correlates
// across scopes.
type Hasher struct {
	key []byte
}

func NewHasher(salt string) *Hasher {
	sum := blake2b.Sum256([]byte(salt))
	return &Hasher{key: sum[:]}
}

func (h *Hasher) Hash(scope Scope, identifier string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// only returned for keys longer than 64 bytes
		panic(err)
	}
	mac.Write([]byte(string(scope)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(normalizeIdentifier(identifier)))
	return hex.EncodeToString(mac.Sum(nil))[:hashLength]
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
