package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/relaygate/relaygate/internal/pricing"
)

// segmentUsage is one message_start/message_delta pair's token counts.
type segmentUsage struct {
	pricing.Usage
	haveInput  bool
	haveOutput bool
}

func (s *segmentUsage) closed() bool { return s.haveInput && s.haveOutput }

// streamOutcome is returned by relayStream once the upstream body has
// been fully consumed or an early termination condition fired.
type streamOutcome struct {
	Usage          pricing.Usage
	RateLimited    bool
	ResetAtHeader  string
	ClientGone     bool
	BytesForwarded bool
}

// sseEvent is the subset of message_start/message_delta/error fields the
// usage accumulator and early-abort detection need.
type sseEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			Ephemeral5mInputTokens   int64 `json:"ephemeral_5m_input_tokens"`
			Ephemeral1hInputTokens   int64 `json:"ephemeral_1h_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// relayStream forwards upstream's SSE body to w line-by-line, in arrival
// order, while accumulating usage across message_start/message_delta
// pairs. It returns as soon as the body ends, the client disconnects, or
// an early rate-limit signal is observed.
func relayStream(w http.ResponseWriter, upstream io.Reader, clientGone <-chan struct{}) streamOutcome {
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var segments []segmentUsage
	var current segmentUsage
	outcome := streamOutcome{}

	for scanner.Scan() {
		select {
		case <-clientGone:
			outcome.ClientGone = true
			return outcome
		default:
		}

		line := scanner.Bytes()
		w.Write(line)
		w.Write([]byte("\n"))
		outcome.BytesForwarded = true
		if len(line) == 0 && flusher != nil {
			flusher.Flush()
		}

		data, ok := dataPayload(line)
		if !ok {
			continue
		}

		var evt sseEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "message_start":
			current = segmentUsage{}
			current.Model = evt.Message.Model
			current.InputTokens = evt.Message.Usage.InputTokens
			current.CacheCreateTokens = evt.Message.Usage.CacheCreationInputTokens
			current.CacheReadTokens = evt.Message.Usage.CacheReadInputTokens
			current.Ephemeral5mTokens = evt.Message.Usage.Ephemeral5mInputTokens
			current.Ephemeral1hTokens = evt.Message.Usage.Ephemeral1hInputTokens
			current.haveInput = true
			if current.closed() {
				segments = append(segments, current)
			}
		case "message_delta":
			current.OutputTokens = evt.Usage.OutputTokens
			current.haveOutput = true
			if current.closed() {
				segments = append(segments, current)
			}
		case "error":
			if rateLimitBodyPattern.MatchString(evt.Error.Message) || strings.Contains(strings.ToLower(evt.Error.Message), "rate limit") {
				outcome.RateLimited = true
				return outcome
			}
		}
	}

	outcome.Usage = mergeSegments(segments)
	return outcome
}

func dataPayload(line []byte) ([]byte, bool) {
	const prefix = "data: "
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return nil, false
	}
	payload := bytes.TrimPrefix(line, []byte(prefix))
	if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
		return nil, false
	}
	return payload, true
}

func mergeSegments(segments []segmentUsage) pricing.Usage {
	var merged pricing.Usage
	for _, seg := range segments {
		if merged.Model == "" {
			merged.Model = seg.Model
		}
		merged.InputTokens += seg.InputTokens
		merged.OutputTokens += seg.OutputTokens
		merged.CacheCreateTokens += seg.CacheCreateTokens
		merged.CacheReadTokens += seg.CacheReadTokens
		merged.Ephemeral5mTokens += seg.Ephemeral5mTokens
		merged.Ephemeral1hTokens += seg.Ephemeral1hTokens
	}
	return merged
}
