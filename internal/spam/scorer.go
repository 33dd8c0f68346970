package spam

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mosacloud/messages-sub001/internal/mime"
)

// Scorer consults a remote spam-scoring service with the raw message bytes.
// Any failure is mapped to "not spam": scoring must never block delivery.
type Scorer struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

type scoreResponse struct {
	Action        string  `json:"action"`
	Score         float64 `json:"score"`
	RequiredScore float64 `json:"required_score"`
}

func NewScorer(url string, log *slog.Logger) *Scorer {
	return &Scorer{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// Check returns true when the scoring service says reject. Fails open.
func (s *Scorer) Check(ctx context.Context, raw []byte) bool {
	if s == nil || s.url == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		s.log.Warn("spam scorer request build failed", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "message/rfc822")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("spam scorer unavailable", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Warn("spam scorer returned non-200", "status", resp.StatusCode)
		return false
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		s.log.Warn("spam scorer response unreadable", "error", err)
		return false
	}

	s.log.Debug("spam score received",
		"action", out.Action, "score", out.Score, "required", out.RequiredScore)
	return out.Action == "reject"
}

// Engine combines the local rules with the remote scorer.
type Engine struct {
	rules  []Rule
	scorer *Scorer
	log    *slog.Logger
}

func NewEngine(rules []Rule, scorer *Scorer, log *slog.Logger) *Engine {
	return &Engine{rules: rules, scorer: scorer, log: log}
}

// Decide evaluates the rule set over the message's trust blocks and falls
// back to the remote scorer when no rule has an opinion.
func (e *Engine) Decide(ctx context.Context, parsed *mime.ParsedMessage) bool {
	switch Evaluate(e.rules, parsed.TrustBlocks) {
	case VerdictSpam:
		return true
	case VerdictHam:
		return false
	}
	return e.scorer.Check(ctx, parsed.Raw)
}
