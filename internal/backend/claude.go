package backend

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prep-cli/internal/model"
	"github.com/sells-group/prep-cli/internal/research"
	"github.com/sells-group/prep-cli/internal/resilience"
	"github.com/sells-group/prep-cli/pkg/anthropic"
)

// ClaudeConfig configures ClaudeGenerator.
type ClaudeConfig struct {
	Model     string
	MaxTokens int64
	// WebSearchMaxUses lets the model run its own web searches when > 0.
	WebSearchMaxUses int64
	// CacheTTL is the prompt-cache TTL for the system instruction ("5m" or "1h").
	CacheTTL string
}

// ClaudeGenerator is a research.Generator backed by the Anthropic Messages API.
type ClaudeGenerator struct {
	client anthropic.Client
	cfg    ClaudeConfig
	guard  callGuard
}

// NewClaudeGenerator creates a ClaudeGenerator.
func NewClaudeGenerator(client anthropic.Client, cfg ClaudeConfig, opts ...Option) *ClaudeGenerator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.CacheTTL == "" {
		cfg.CacheTTL = "5m"
	}
	return &ClaudeGenerator{
		client: client,
		cfg:    cfg,
		guard:  newCallGuard("anthropic", "messages", resilience.GenerationPolicy(), opts),
	}
}

// Generate sends one single-turn message.
func (g *ClaudeGenerator) Generate(ctx context.Context, system, prompt string) (*research.Generation, error) {
	req := anthropic.MessageRequest{
		Model:            g.cfg.Model,
		MaxTokens:        g.cfg.MaxTokens,
		System:           anthropic.BuildCachedSystemBlocks(system, g.cfg.CacheTTL),
		Messages:         []anthropic.Message{{Role: "user", Content: prompt}},
		WebSearchMaxUses: g.cfg.WebSearchMaxUses,
	}

	resp, err := guarded(ctx, g.guard, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := g.client.CreateMessage(ctx, req)
		if err != nil {
			return nil, resilience.FromStatus(err, anthropic.StatusCode(err))
		}
		return resp, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "backend: anthropic generate")
	}

	modelName := resp.Model
	if modelName == "" {
		modelName = g.cfg.Model
	}
	return &research.Generation{
		Text:             resp.Text(),
		Model:            modelName,
		Usage:            claudeUsage(resp.Usage),
		SearchQueryCount: resp.Usage.WebSearchRequests,
	}, nil
}

// claudeUsage maps Anthropic usage onto billing categories. Cache writes are
// billed as input; the API reports no separate thinking or tool-use counts.
func claudeUsage(u anthropic.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		Input:  u.InputTokens + u.CacheCreationInputTokens,
		Output: u.OutputTokens,
		Cached: u.CacheReadInputTokens,
	}
}
