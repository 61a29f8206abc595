package relay

import (
	"regexp"
	"strings"
)

// banSignalPattern catches upstream 403 bodies that indicate the account
// itself has been disabled or flagged, as opposed to a transient
// forbidden response. A match only flags the ops alert; every 403 marks
// the account blocked either way.
var banSignalPattern = regexp.MustCompile(`(?i)(organization has been disabled|account has been disabled|too many active sessions|only authorized for use with claude code)`)

// rateLimitBodyPattern matches response bodies that signal a rate limit
// even when the HTTP status code itself is not 429.
var rateLimitBodyPattern = regexp.MustCompile(`(?i)exceed your account's rate limit`)

// Outcome is the result of classifying one upstream response.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeUnauthorized  Outcome = "unauthorized"
	OutcomeForbidden     Outcome = "forbidden"
	OutcomeRateLimited   Outcome = "rate-limited"
	OutcomeServerError   Outcome = "server-error"
	OutcomeClientError   Outcome = "client-error"
)

// Classification carries the outcome plus any detail extracted from the
// response needed to drive state transitions.
type Classification struct {
	Outcome   Outcome
	BanSignal bool
}

// classifyResponse implements spec §4.H step 9: status-code classification,
// with the body-sniffed rate-limit override applied regardless of status.
func classifyResponse(statusCode int, body []byte) Classification {
	if rateLimitBodyPattern.Match(body) {
		return Classification{Outcome: OutcomeRateLimited}
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return Classification{Outcome: OutcomeSuccess}
	case statusCode == 401:
		return Classification{Outcome: OutcomeUnauthorized}
	case statusCode == 403:
		return Classification{Outcome: OutcomeForbidden, BanSignal: banSignalPattern.Match(body)}
	case statusCode == 429:
		return Classification{Outcome: OutcomeRateLimited}
	case statusCode >= 500:
		return Classification{Outcome: OutcomeServerError}
	default:
		return Classification{Outcome: OutcomeClientError}
	}
}

// isClaudeCodeRequest applies the heuristic spec §4.H step 9 names: the
// user-agent looks like the Claude Code CLI and the request's first
// system-array element is the canonical Claude Code system text.
func isClaudeCodeRequest(userAgent string, systemFirst string) bool {
	return claudeCLIUserAgent.MatchString(userAgent) && strings.Contains(systemFirst, claudeCodeSystemText)
}

var claudeCLIUserAgent = regexp.MustCompile(`^claude-cli/\d+`)
