package account

import (
	"testing"

	"github.com/relaygate/relaygate/internal/scheduler"
)

func TestToSchedulerAccountCarriesDescriptorAndCredentials(t *testing.T) {
	r := row{
		ID:               "acct-1",
		Type:             string(scheduler.AccountClaudeOfficial),
		Platform:         "claude",
		Active:           true,
		AccessToken:      "sealed-access",
		RefreshToken:     "sealed-refresh",
		ProxyURL:         "http://proxy.internal:8080",
		RestrictedModels: []string{"claude-haiku"},
		Schedulable:      true,
	}

	acc := toSchedulerAccount(r)

	if acc.ID != "acct-1" || acc.AccessToken != "sealed-access" || acc.Status != scheduler.StatusReady {
		t.Fatalf("unexpected scheduler account: %+v", acc)
	}
	if !acc.AllowsModel("claude-opus-4") || acc.AllowsModel("claude-haiku") {
		t.Fatalf("unexpected restricted-model behavior: %+v", acc.RestrictedModels)
	}
}

func TestJoinModelsFormatsCommaSeparatedList(t *testing.T) {
	if got := joinModels([]string{"a", "b"}); got != "a,b" {
		t.Fatalf("expected \"a,b\", got %q", got)
	}
	if got := joinModels(nil); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestSealPassesThroughWhenBoxIsNil(t *testing.T) {
	s := &Service{}
	access, refresh, err := s.seal("plain-access", "plain-refresh")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if access != "plain-access" || refresh != "plain-refresh" {
		t.Fatalf("expected passthrough without a box, got %q/%q", access, refresh)
	}
}
