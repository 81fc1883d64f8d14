// Package idgen generates prefixed random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes for persisted entities. Accounts use database sequence ids.
const (
	TransactionPrefix = "tx_"
	EscrowPrefix      = "esc_"
	DisputePrefix     = "dsp_"
	VotePrefix        = "vote_"
	AnchorPrefix      = "anc_"
)

// WithPrefix returns prefix followed by 24 hex characters.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes of randomness hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
