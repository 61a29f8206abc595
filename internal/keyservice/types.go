// Package keyservice validates tenant keys, enforces rate/quota limits,
// and records usage and cost (component F).
package keyservice

import "time"

// Permission enumerates the providers a key may call.
type Permission string

const (
	PermissionClaude Permission = "claude"
	PermissionGemini  Permission = "gemini"
	PermissionOpenAI  Permission = "openai"
	PermissionAll     Permission = "all"
)

// Key is the full tenant-key record as read from the KV store. Numeric
// and list fields are kept as textual scalars in storage per spec §3;
// Key is the parsed, typed form callers work with.
type Key struct {
	ID          string
	Name        string
	Active      bool
	ExpiresAt   *time.Time
	Permissions Permission

	// BoundAccountIDs maps provider name to an explicitly bound account,
	// honored ahead of scheduler enumeration.
	BoundAccountIDs map[string]string

	TokenLimit       int64
	ConcurrencyLimit int64

	RateLimitWindowMinutes int64
	RateLimitRequests      int64
	RateLimitCost          int64

	DailyCostLimit      int64
	WeeklyOpusCostLimit int64

	RestrictedModels []string
	AllowedClients   []string
	Tags             []string

	CreatedAt  time.Time
	LastUsedAt *time.Time

	// Populated by validateKey at read time, not stored on the key hash.
	DailyCost      int64
	WeeklyOpusCost int64
}

// AllowsModel reports whether model is permitted by the key's
// RestrictedModels allow-list (empty list ⇒ no restriction).
func (k Key) AllowsModel(model string) bool {
	if len(k.RestrictedModels) == 0 {
		return true
	}
	for _, m := range k.RestrictedModels {
		if m == model {
			return true
		}
	}
	return false
}

// ValidationResult is the outcome of validateKey.
type ValidationResult struct {
	Valid bool
	Key   Key
}
