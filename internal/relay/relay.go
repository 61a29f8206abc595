// Package relay forwards admitted requests to the selected upstream
// account's provider, normalizing the body, relaying unary or SSE
// responses, classifying outcomes back into scheduler state transitions,
// and recording usage (component H).
package relay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/relaygate/relaygate/internal/connpool"
	"github.com/relaygate/relaygate/internal/keyservice"
	"github.com/relaygate/relaygate/internal/pricing"
	"github.com/relaygate/relaygate/internal/relayerr"
	"github.com/relaygate/relaygate/internal/scheduler"
	"github.com/relaygate/relaygate/internal/telemetry"
	"github.com/relaygate/relaygate/internal/tokenrefresh"
	"github.com/relaygate/relaygate/pkg/slack"
)

// inboundHeaderDenylist lists the transport/sensitive headers stripped
// before forwarding, per spec §4.H step 6. Everything else inbound is
// passed through.
var inboundHeaderDenylist = map[string]struct{}{
	"content-type": {}, "user-agent": {}, "x-api-key": {}, "authorization": {},
	"host": {}, "content-length": {}, "connection": {}, "proxy-authorization": {},
	"content-encoding": {}, "transfer-encoding": {},
}

// PoolProvider resolves the warmed outbound transport for an account.
type PoolProvider interface {
	GetPool(accountID string) (*connpool.Pool, bool)
}

// Config configures the relay engine.
type Config struct {
	ClaudeAPIURL      string
	ClaudeAPIVersion  string
	ClaudeBetaHeader  string
	ProxyTimeout      time.Duration
	MaxRetryAccounts  int
	ProxySystemPrompt string
}

// Relay orchestrates the forward pipeline for one tenant key's requests.
type Relay struct {
	keys     *keyservice.Service
	sched    *scheduler.Scheduler
	refresh  *tokenrefresh.Service
	pools    PoolProvider
	pricing  *pricing.Table
	notifier *slack.Notifier
	cfg      Config
	logger   *slog.Logger
}

// New creates a Relay. notifier may be nil, in which case no
// account-health alerts are sent.
func New(keys *keyservice.Service, sched *scheduler.Scheduler, refresh *tokenrefresh.Service, pools PoolProvider, priceTable *pricing.Table, notifier *slack.Notifier, cfg Config, logger *slog.Logger) *Relay {
	if cfg.MaxRetryAccounts <= 0 {
		cfg.MaxRetryAccounts = 2
	}
	return &Relay{keys: keys, sched: sched, refresh: refresh, pools: pools, pricing: priceTable, notifier: notifier, cfg: cfg, logger: logger}
}

// notifyAccountBlocked posts an ops alert when an account transitions to
// blocked, best-effort — a failed Slack post never affects the response
// already written to the caller.
func (r *Relay) notifyAccountBlocked(ctx context.Context, acct scheduler.Account, banSignal bool, reason string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.PostAccountBlocked(ctx, slack.AccountAlert{
		AccountID: acct.ID,
		Platform:  string(acct.Type),
		State:     "blocked",
		Reason:    reason,
		BanSignal: banSignal,
	}); err != nil {
		r.logger.Warn("posting account-blocked alert", "error", err, "account_id", acct.ID)
	}
}

// notifyAccountsExhausted posts an ops alert when no eligible account
// remained for a platform.
func (r *Relay) notifyAccountsExhausted(ctx context.Context, platform string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.PostAllAccountsExhausted(ctx, platform); err != nil {
		r.logger.Warn("posting all-accounts-exhausted alert", "error", err, "platform", platform)
	}
}

// Handle implements the unary and streaming relay flows for an already
// admitted (validated, rate/concurrency-checked) tenant key.
func (r *Relay) Handle(w http.ResponseWriter, req *http.Request, key keyservice.Key) {
	ctx := req.Context()

	rawBody, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	messages, hasMessages := body["messages"]
	if !hasMessages {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages: field is required")
		return
	}
	if _, ok := messages.([]any); !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages: must be an array")
		return
	}

	model, _ := body["model"].(string)
	isStream, _ := body["stream"].(bool)

	if !key.AllowsModel(model) {
		writeError(w, http.StatusForbidden, "permission_error", "model not permitted for this key")
		return
	}

	claudeCode := isClaudeCodeRequest(req.Header.Get("User-Agent"), firstSystemElement(body))

	sessionHash := computeSessionHash(rawBody)
	boundAccountID := key.BoundAccountIDs[platformOf(key, model)]
	platform := platformOf(key, model)

	var lastResp *http.Response
	var lastBody []byte
	var lastAccount scheduler.Account

	attemptSessionHash := sessionHash
	for attempt := 0; attempt <= r.cfg.MaxRetryAccounts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		sel, err := r.sched.SelectAccountForKey(ctx, boundAccountID, attemptSessionHash, platform, model)
		if err != nil {
			r.logger.Warn("account selection failed", "error", err, "platform", platform)
			if code, ok := relayerr.CodeOf(err); ok && code == relayerr.CodeAllAccountsExhausted {
				r.notifyAccountsExhausted(ctx, platform)
			}
			if lastResp != nil {
				r.forwardUnary(w, lastResp.StatusCode, lastResp.Header, lastBody)
				return
			}
			writeRelayErr(w, err)
			return
		}
		acct := sel.Account
		lastAccount = acct

		creds, err := r.refresh.EnsureFresh(ctx, acct.ID, platform)
		if err != nil {
			r.logger.Warn("token refresh failed, trying another account", "error", err, "account_id", acct.ID)
			attemptSessionHash = ""
			continue
		}

		normalized := Normalize(body, NormalizeOptions{
			Model:             model,
			UserAgent:         req.Header.Get("User-Agent"),
			ProxySystemPrompt: r.cfg.ProxySystemPrompt,
			Pricing:           r.pricing,
		})
		outBody, err := json.Marshal(normalized)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "api_error", "failed to encode normalized request")
			return
		}

		upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ClaudeAPIURL, bytes.NewReader(outBody))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "api_error", "failed to build upstream request")
			return
		}
		r.buildHeaders(upReq, req, creds.AccessToken, model)

		client := r.clientFor(acct.ID)
		resp, err := client.Do(upReq)
		if err != nil {
			if connpool.IsFatalSocketError(err) {
				r.logger.Warn("upstream socket error", "account_id", acct.ID, "error", err)
			}
			attemptSessionHash = ""
			continue
		}

		if isStream {
			completed := r.handleStreamAttempt(ctx, w, resp, acct, model, key, sessionHash, attempt, claudeCode, req.Header)
			if completed {
				return
			}
			attemptSessionHash = ""
			continue
		}

		respBody, decodeErr := readAndDecompress(resp)
		resp.Body.Close()
		if decodeErr != nil {
			writeError(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
			return
		}

		class := classifyResponse(resp.StatusCode, respBody)
		retry := r.applyClassification(ctx, acct, sessionHash, class, resp, respBody, model, key, claudeCode, req.Header)
		if !retry {
			r.forwardUnary(w, resp.StatusCode, resp.Header, respBody)
			if class.Outcome == OutcomeSuccess {
				r.recordUsageFromBody(ctx, key, respBody, model, acct.ID, string(acct.Type))
			}
			return
		}

		lastResp, lastBody = resp, respBody
		attemptSessionHash = ""
	}

	if lastResp != nil {
		r.forwardUnary(w, lastResp.StatusCode, lastResp.Header, lastBody)
		return
	}
	_ = lastAccount
	writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no available accounts")
}

func (r *Relay) handleStreamAttempt(ctx context.Context, w http.ResponseWriter, resp *http.Response, acct scheduler.Account, model string, key keyservice.Key, sessionHash string, attempt int, claudeCode bool, inboundHeaders http.Header) bool {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := readAndDecompress(resp)
		class := classifyResponse(resp.StatusCode, respBody)
		retry := r.applyClassification(ctx, acct, sessionHash, class, resp, respBody, model, key, claudeCode, inboundHeaders)
		if retry && attempt < r.cfg.MaxRetryAccounts {
			return false
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
		return true
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	outcome := relayStream(w, resp.Body, ctx.Done())
	if outcome.ClientGone {
		return true
	}
	if outcome.RateLimited {
		_ = r.sched.MarkRateLimited(ctx, acct.ID, sessionHash, time.Now().Add(time.Minute))
		if attempt < r.cfg.MaxRetryAccounts {
			return false
		}
		return true
	}

	_ = r.sched.RemoveRateLimit(ctx, acct.ID)
	r.captureSessionState(ctx, acct.ID, inboundHeaders, resp.Header, claudeCode)
	if outcome.Usage.Model != "" {
		_ = r.keys.RecordUsage(ctx, key, outcome.Usage, acct.ID, string(acct.Type))
	}
	return true
}

// applyClassification drives scheduler state transitions from a
// classified response and reports whether the caller should retry with a
// fresh account selection.
func (r *Relay) applyClassification(ctx context.Context, acct scheduler.Account, sessionHash string, class Classification, resp *http.Response, body []byte, model string, key keyservice.Key, claudeCode bool, inboundHeaders http.Header) bool {
	telemetry.RelayOutcomeTotal.WithLabelValues(string(class.Outcome), string(acct.Type)).Inc()

	switch class.Outcome {
	case OutcomeSuccess:
		_ = r.sched.RemoveRateLimit(ctx, acct.ID)
		r.captureSessionState(ctx, acct.ID, inboundHeaders, resp.Header, claudeCode)
		return false

	case OutcomeUnauthorized:
		transitioned, err := r.sched.MarkUnauthorized(ctx, acct.ID, sessionHash)
		if err != nil {
			r.logger.Warn("marking unauthorized", "error", err, "account_id", acct.ID)
		}
		_ = transitioned
		return true

	case OutcomeForbidden:
		if err := r.sched.MarkBlocked(ctx, acct.ID, sessionHash); err != nil {
			r.logger.Warn("marking blocked", "error", err, "account_id", acct.ID)
		}
		r.notifyAccountBlocked(ctx, acct, class.BanSignal, "upstream returned 403")
		return true

	case OutcomeRateLimited:
		resetAt := parseResetHeader(resp.Header.Get("Anthropic-Ratelimit-Unified-Reset"))
		if err := r.sched.MarkRateLimited(ctx, acct.ID, sessionHash, resetAt); err != nil {
			r.logger.Warn("marking rate limited", "error", err, "account_id", acct.ID)
		}
		return true

	case OutcomeServerError:
		transitioned, err := r.sched.MarkTempError(ctx, acct.ID, sessionHash)
		if err != nil {
			r.logger.Warn("marking temp error", "error", err, "account_id", acct.ID)
		}
		_ = transitioned
		return true

	default:
		return false
	}
}

// claudeCodeCapturedHeaders lists the inbound headers a real Claude Code
// client sends that identify its SDK build, captured per spec §4.H step 9
// so a later non-Claude-Code request through the same account can be made
// to look like the unified client.
var claudeCodeCapturedHeaders = []string{
	"user-agent",
	"x-stainless-lang",
	"x-stainless-package-version",
	"x-stainless-os",
	"x-stainless-arch",
	"x-stainless-runtime",
	"x-stainless-runtime-version",
}

// sessionWindowStatusSuffix is matched case-insensitively against response
// header names to find the upstream 5-hour quota window advisory, e.g.
// Anthropic-Unified-5h-Status.
const sessionWindowStatusSuffix = "-unified-5h-status"

// captureSessionState implements spec §4.H step 9's 2xx side effects:
// persisting Claude-Code-shaped inbound headers for real Claude-Code
// requests, and the session-window advisory from the upstream response.
func (r *Relay) captureSessionState(ctx context.Context, accountID string, inboundHeaders, respHeaders http.Header, claudeCode bool) {
	var captured map[string]string
	if claudeCode {
		captured = extractCapturedHeaders(inboundHeaders)
	}
	status := extractSessionWindowStatus(respHeaders)
	if len(captured) == 0 && status == "" {
		return
	}
	if err := r.sched.UpdateSessionState(ctx, accountID, status, captured); err != nil {
		r.logger.Warn("persisting session state", "error", err, "account_id", accountID)
	}
}

func extractCapturedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(claudeCodeCapturedHeaders))
	for _, name := range claudeCodeCapturedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func extractSessionWindowStatus(h http.Header) string {
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(name) >= len(sessionWindowStatusSuffix) && strings.HasSuffix(strings.ToLower(name), sessionWindowStatusSuffix) {
			return values[0]
		}
	}
	return ""
}

// firstSystemElement extracts the first element of the inbound request's
// system array (or the bare system string), used by isClaudeCodeRequest.
func firstSystemElement(body map[string]any) string {
	switch sys := body["system"].(type) {
	case string:
		return sys
	case []any:
		if len(sys) == 0 {
			return ""
		}
		switch first := sys[0].(type) {
		case string:
			return first
		case map[string]any:
			if text, ok := first["text"].(string); ok {
				return text
			}
		}
	}
	return ""
}

func (r *Relay) recordUsageFromBody(ctx context.Context, key keyservice.Key, body []byte, model, accountID, accountType string) {
	var parsed struct {
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		r.logger.Warn("estimating usage, response had no parseable usage field", "model", model)
		parsed.Usage.OutputTokens = 0
	}

	usage := pricing.Usage{
		Model:             model,
		InputTokens:       parsed.Usage.InputTokens,
		OutputTokens:      parsed.Usage.OutputTokens,
		CacheCreateTokens: parsed.Usage.CacheCreationInputTokens,
		CacheReadTokens:   parsed.Usage.CacheReadInputTokens,
	}
	if err := r.keys.RecordUsage(ctx, key, usage, accountID, accountType); err != nil {
		r.logger.Warn("recording usage", "error", err)
	}
}

func (r *Relay) buildHeaders(upReq *http.Request, inbound *http.Request, accessToken, model string) {
	for name, values := range inbound.Header {
		if _, denied := inboundHeaderDenylist[httpCanonicalLower(name)]; denied {
			continue
		}
		for _, v := range values {
			upReq.Header.Add(name, v)
		}
	}
	upReq.Header.Set("Authorization", "Bearer "+accessToken)
	upReq.Header.Set("anthropic-version", r.cfg.ClaudeAPIVersion)
	upReq.Header.Set("Content-Type", "application/json")
	if r.cfg.ClaudeBetaHeader != "" {
		upReq.Header.Set("anthropic-beta", r.cfg.ClaudeBetaHeader)
	}
	if rid := inbound.Header.Get("X-Request-Id"); rid != "" {
		upReq.Header.Set("X-Request-Id", rid)
	}
}

func (r *Relay) clientFor(accountID string) *http.Client {
	timeout := r.cfg.ProxyTimeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	if pool, ok := r.pools.GetPool(accountID); ok {
		if transport, err := pool.GetConnection(); err == nil {
			return &http.Client{Transport: transport, Timeout: timeout}
		}
	}
	return &http.Client{Timeout: timeout}
}

func (r *Relay) forwardUnary(w http.ResponseWriter, statusCode int, header http.Header, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}

func writeRelayErr(w http.ResponseWriter, err error) {
	code, ok := relayerr.CodeOf(err)
	if !ok {
		writeError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}
	status := http.StatusBadGateway
	if code == relayerr.CodeAllAccountsExhausted {
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, string(code), err.Error())
}

func computeSessionHash(rawBody []byte) string {
	h := sha256.Sum256(rawBody)
	return hex.EncodeToString(h[:])
}

func platformOf(key keyservice.Key, model string) string {
	if key.Permissions != keyservice.PermissionAll {
		return string(key.Permissions)
	}
	return modelPlatform(model)
}

func modelPlatform(model string) string {
	switch {
	case len(model) >= 6 && model[:6] == "claude":
		return "claude"
	case len(model) >= 6 && model[:6] == "gemini":
		return "gemini"
	default:
		return "openai"
	}
}

func parseResetHeader(v string) time.Time {
	if v == "" {
		return time.Now().Add(time.Minute)
	}
	if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(epoch, 0)
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return time.Now().Add(time.Minute)
}

func readAndDecompress(resp *http.Response) ([]byte, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("relay: opening gzip reader: %w", err)
		}
		defer gz.Close()
		return io.ReadAll(gz)
	case "deflate":
		fr := flate.NewReader(resp.Body)
		defer fr.Close()
		return io.ReadAll(fr)
	default:
		return io.ReadAll(resp.Body)
	}
}

func httpCanonicalLower(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
