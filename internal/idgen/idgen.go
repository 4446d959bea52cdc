// Package idgen generates identifiers for persisted records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used for record ids.
const (
	PrefixEscrow  = "esc_"
	PrefixPayment = "pay_"
	PrefixPayout  = "po_"
	PrefixDispute = "dsp_"
	PrefixLedger  = "ltx_"
	PrefixWebhook = "whe_"
	PrefixJob     = "job_"
	PrefixNotice  = "ntf_"
	PrefixRequest = "req_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID
// (e.g. "esc_9f86d081884c4d63a1f2e6b1b5f1c2aa").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Short returns the first n characters of id after its prefix, upper-cased.
// Used to build human-readable gateway references.
func Short(id string, n int) string {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	if len(id) > n {
		id = id[:n]
	}
	return strings.ToUpper(id)
}
