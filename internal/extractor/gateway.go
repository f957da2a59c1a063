package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"civic-reports-go/internal/logger"
)

const (
	defaultHTTPTimeout  = 25 * time.Second
	defaultMaxRetryTime = 45 * time.Second
)

// GatewayConfig configures the LLM gateway extractor.
type GatewayConfig struct {
	URL          string
	APIKey       string
	Model        string
	UseMock      bool
	HTTPTimeout  time.Duration
	MaxRetryTime time.Duration
}

// GatewayExtractor asks an OpenAI-compatible chat gateway to tag entities.
// Whatever the model returns is grounded against the text before use.
type GatewayExtractor struct {
	cfg    GatewayConfig
	client *http.Client
	mock   *LexiconExtractor
	log    *logger.Logger
}

func NewGatewayExtractor(cfg GatewayConfig, log *logger.Logger) *GatewayExtractor {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.MaxRetryTime <= 0 {
		cfg.MaxRetryTime = defaultMaxRetryTime
	}
	return &GatewayExtractor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		mock:   NewLexiconExtractor(),
		log:    log.Component("extractor.gateway"),
	}
}

// BuildPrompt renders the extraction prompt for one complaint.
func BuildPrompt(text string) string {
	prompt := `You extract facts from a citizen's complaint to a municipality.

Return ONLY JSON matching this schema:
{
  "entities": [{"tag": "location|infrastructure|temporal|severity", "value": ""}],
  "keywords": []
}

Rules:
- Every value MUST be copied verbatim from the complaint. Do not paraphrase.
- location: places such as "near the school" or "on Main Street".
- infrastructure: the broken or affected public asset.
- temporal: when it started or how long it has lasted.
- severity: words describing danger or scale.
- keywords: short words or phrases that name the problem.
- If nothing fits, return empty arrays. Do not wrap the JSON in backticks.

COMPLAINT:
%s
`
	return fmt.Sprintf(prompt, text)
}

func (g *GatewayExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	if g.cfg.UseMock {
		g.log.Debug("mock LLM mode ON - using lexicon extraction")
		return g.mock.Extract(ctx, text)
	}
	if g.cfg.URL == "" || g.cfg.APIKey == "" {
		return Extraction{}, fmt.Errorf("llm gateway not configured")
	}

	data, err := json.Marshal(map[string]any{
		"model": g.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": BuildPrompt(text)},
		},
		"temperature": 0.0,
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("encode llm request: %w", err)
	}

	var extracted Extraction
	var lastErr error

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(req)
		if err != nil {
			lastErr = err
			g.log.WithError(err).Warn("llm request failed")
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		g.log.WithField("http_status", resp.StatusCode).Debug("llm raw:\n" + string(body))

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			lastErr = fmt.Errorf("llm gateway rejected request: status %d", resp.StatusCode)
			return backoff.Permanent(lastErr)
		}

		if inner := extractContentFromChoices(body); inner != "" {
			if err := json.Unmarshal([]byte(inner), &extracted); err == nil {
				lastErr = nil
				return nil
			}
			g.log.Warn("unmarshal from choices content failed")
		}
		if fallback := extractJSON(string(body)); fallback != "" {
			if err := json.Unmarshal([]byte(fallback), &extracted); err == nil {
				lastErr = nil
				return nil
			}
			g.log.Warn("unmarshal from fallback JSON failed")
		}

		lastErr = fmt.Errorf("no JSON found in LLM output")
		return lastErr
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = g.cfg.MaxRetryTime

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return Extraction{}, fmt.Errorf("llm extract failed: %w", lastErr)
	}

	out := grounded(text, extracted)
	g.log.WithField("entities", len(out.Entities)).
		WithField("keywords", len(out.Keywords)).
		WithField("dropped", len(extracted.Entities)+len(extracted.Keywords)-len(out.Entities)-len(out.Keywords)).
		Debug("parsed llm extraction")
	return out, nil
}

// extractContentFromChoices reads an openai-style choices[0].message.content
// and returns the JSON object inside it.
func extractContentFromChoices(body []byte) string {
	var obj struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &obj); err != nil || len(obj.Choices) == 0 {
		return ""
	}
	return extractJSON(obj.Choices[0].Message.Content)
}

// extractJSON finds the first balanced JSON object in s after stripping
// markdown fences.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, r := range []string{"```json", "```text", "```", "`"} {
		s = strings.ReplaceAll(s, r, "")
	}

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}
