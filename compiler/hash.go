package compiler

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with recorded hashes.
const (
	DomainRule      = "riskrules/rule/v1"
	DomainContainer = "riskrules/container/v1"
)

// HashWithDomain computes SHA256(domain + 0x00 + data) as 64 hex characters
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
