package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Condition is a PREIMAGE-SHA-256 crypto-condition pair. The condition is
// published on-ledger when the escrow is created; the fulfillment stays
// secret until the release step and unlocks the transfer.
type Condition struct {
	Condition   string
	Fulfillment string
}

// DER framing for a PREIMAGE-SHA-256 condition with a 32-byte preimage.
const (
	conditionPrefix   = "A0258020"
	conditionSuffix   = "810120"
	fulfillmentPrefix = "A0228020"
	preimageSize      = 32
)

// GenerateCondition draws a fresh 32-byte preimage and encodes the pair. A
// preimage is never reused; every call produces an independent secret.
func GenerateCondition() (Condition, error) {
	preimage := make([]byte, preimageSize)
	if _, err := rand.Read(preimage); err != nil {
		return Condition{}, fmt.Errorf("draw preimage: %w", err)
	}
	digest := sha256.Sum256(preimage)
	return Condition{
		Condition:   conditionPrefix + strings.ToUpper(hex.EncodeToString(digest[:])) + conditionSuffix,
		Fulfillment: fulfillmentPrefix + strings.ToUpper(hex.EncodeToString(preimage)),
	}, nil
}

// VerifyFulfillment reports whether the fulfillment's preimage hashes to the
// digest committed in the condition.
func VerifyFulfillment(condition, fulfillment string) bool {
	condition = strings.ToUpper(strings.TrimSpace(condition))
	fulfillment = strings.ToUpper(strings.TrimSpace(fulfillment))
	if !strings.HasPrefix(condition, conditionPrefix) || !strings.HasSuffix(condition, conditionSuffix) {
		return false
	}
	if !strings.HasPrefix(fulfillment, fulfillmentPrefix) {
		return false
	}
	preimage, err := hex.DecodeString(strings.TrimPrefix(fulfillment, fulfillmentPrefix))
	if err != nil || len(preimage) != preimageSize {
		return false
	}
	digest := sha256.Sum256(preimage)
	committed := strings.TrimSuffix(strings.TrimPrefix(condition, conditionPrefix), conditionSuffix)
	return committed == strings.ToUpper(hex.EncodeToString(digest[:]))
}
