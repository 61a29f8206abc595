package relay

import "testing"

func TestClassifyResponseStatusCodes(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		outcome Outcome
	}{
		{"success", 200, `{}`, OutcomeSuccess},
		{"unauthorized", 401, `{}`, OutcomeUnauthorized},
		{"forbidden", 403, `{}`, OutcomeForbidden},
		{"rate limited", 429, `{}`, OutcomeRateLimited},
		{"server error", 503, `{}`, OutcomeServerError},
		{"client error", 400, `{}`, OutcomeClientError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := classifyResponse(tc.status, []byte(tc.body))
			if c.Outcome != tc.outcome {
				t.Fatalf("expected %s, got %s", tc.outcome, c.Outcome)
			}
		})
	}
}

func TestClassifyResponseDetectsBodySniffedRateLimit(t *testing.T) {
	c := classifyResponse(200, []byte(`{"error":"you exceed your account's rate limit today"}`))
	if c.Outcome != OutcomeRateLimited {
		t.Fatalf("expected rate-limited override on 200 status, got %s", c.Outcome)
	}
}

func TestClassifyResponseDetectsBanSignal(t *testing.T) {
	c := classifyResponse(403, []byte(`{"error":"Organization has been disabled"}`))
	if !c.BanSignal {
		t.Fatal("expected ban signal to be detected")
	}
}

func TestClassifyResponseForbiddenWithoutBanSignal(t *testing.T) {
	c := classifyResponse(403, []byte(`{"error":"forbidden"}`))
	if c.BanSignal {
		t.Fatal("expected no ban signal for generic 403")
	}
}

func TestIsClaudeCodeRequest(t *testing.T) {
	if !isClaudeCodeRequest("claude-cli/1.2.3", claudeCodeSystemText) {
		t.Fatal("expected genuine claude code request to be recognized")
	}
	if isClaudeCodeRequest("curl/8.0", claudeCodeSystemText) {
		t.Fatal("expected non-claude-code user agent to be rejected")
	}
}
