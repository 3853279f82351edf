package session

import (
	"regexp"
	"strconv"
	"strings"
)

// Reverted submissions still consume a nonce on-chain, and the venue's error
// body embeds the chain event when that happens. The event is authoritative;
// the database hint is the venue's own view and ranks second; an explicit
// nonce query is the last resort.
var (
	chainNonceRe = regexp.MustCompile(`(?i)nonce\s+(?:was\s+)?incremented\s+to\s+(\d+)`)
	dbNonceRe    = regexp.MustCompile(`(?i)nonce\s+in\s+(?:the\s+)?database\s*(?:is|:)?\s*(\d+)`)
)

// parseChainNonce extracts the chain-recorded nonce from an error body.
func parseChainNonce(body string) (uint64, bool) {
	return parseNonceMatch(chainNonceRe, body)
}

// parseDBNonce extracts the venue's database-nonce hint from an error body.
func parseDBNonce(body string) (uint64, bool) {
	return parseNonceMatch(dbNonceRe, body)
}

func parseNonceMatch(re *regexp.Regexp, body string) (uint64, bool) {
	m := re.FindStringSubmatch(body)
	if len(m) != 2 {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// isNonceConflict reports whether the error text indicates the submission
// was rejected over nonce ordering and is safe to retry once with a
// corrected nonce.
func isNonceConflict(body string) bool {
	s := strings.ToLower(body)
	if !strings.Contains(s, "nonce") {
		return false
	}
	for _, hint := range []string{"conflict", "mismatch", "already used", "too low", "too high", "invalid nonce", "incremented"} {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}

// isInvalidSession reports whether the error text indicates the session
// itself is no longer accepted. Never retried; signaled upward for renewal.
func isInvalidSession(body string) bool {
	s := strings.ToLower(body)
	for _, hint := range []string{"invalid session", "session expired", "session not found", "unauthorized session", "unknown session key"} {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}
