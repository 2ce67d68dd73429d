package backend

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prep-cli/internal/model"
	"github.com/sells-group/prep-cli/internal/research"
	"github.com/sells-group/prep-cli/internal/resilience"
	"github.com/sells-group/prep-cli/pkg/perplexity"
)

// PerplexityGenerator is a research.Generator backed by Perplexity's grounded
// chat completions. The model searches on its own, so research tasks can run
// it without a separate search backend.
type PerplexityGenerator struct {
	client perplexity.Client
	model  string
	guard  callGuard
}

// NewPerplexityGenerator creates a PerplexityGenerator. An empty modelName
// uses the client's default model.
func NewPerplexityGenerator(client perplexity.Client, modelName string, opts ...Option) *PerplexityGenerator {
	return &PerplexityGenerator{
		client: client,
		model:  modelName,
		guard:  newCallGuard("perplexity", "chat_completion", resilience.GenerationPolicy(), opts),
	}
}

// Generate runs one chat completion.
func (g *PerplexityGenerator) Generate(ctx context.Context, system, prompt string) (*research.Generation, error) {
	req := perplexity.ChatCompletionRequest{
		Model: g.model,
		Messages: []perplexity.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	}

	resp, err := guarded(ctx, g.guard, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		resp, err := g.client.ChatCompletion(ctx, req)
		if err != nil {
			return nil, resilience.FromStatus(err, perplexity.StatusCode(err))
		}
		return resp, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "backend: perplexity generate")
	}

	modelName := resp.Model
	if modelName == "" {
		modelName = g.model
	}
	return &research.Generation{
		Text:  resp.Text(),
		Model: modelName,
		Usage: model.TokenUsage{
			Input:    resp.Usage.PromptTokens,
			Output:   resp.Usage.CompletionTokens,
			Thinking: resp.Usage.ReasoningTokens,
			ToolUse:  resp.Usage.CitationTokens,
		},
		SearchQueryCount: resp.Usage.SearchQueries(),
	}, nil
}
