package backend

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prep-cli/internal/research"
	"github.com/sells-group/prep-cli/internal/resilience"
	"github.com/sells-group/prep-cli/pkg/jina"
)

const maxSnippetChars = 800

// JinaSearch is a research.SearchBackend backed by Jina Search.
type JinaSearch struct {
	client  jina.Client
	limiter *AdaptiveLimiter
	guard   callGuard
}

// NewJinaSearch creates a JinaSearch paced at rps requests per second.
func NewJinaSearch(client jina.Client, rps float64, opts ...Option) *JinaSearch {
	if rps <= 0 {
		rps = 5
	}
	return &JinaSearch{
		client:  client,
		limiter: NewAdaptiveLimiter("jina", rps, int(rps)),
		guard:   newCallGuard("jina", "search", resilience.SearchPolicy(), opts),
	}
}

// Search returns at most maxResults results for query.
func (s *JinaSearch) Search(ctx context.Context, query string, maxResults int) ([]research.SearchResult, error) {
	resp, err := guarded(ctx, s.guard, func(ctx context.Context) (*jina.SearchResponse, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "jina: wait for rate limiter")
		}
		resp, err := s.client.Search(ctx, query)
		if err != nil {
			code := jina.StatusCode(err)
			if code == http.StatusTooManyRequests {
				s.limiter.OnRateLimit()
			}
			return nil, resilience.FromStatus(err, code)
		}
		s.limiter.OnSuccess()
		return resp, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "backend: jina search")
	}

	var out []research.SearchResult
	for _, r := range resp.Data {
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
		out = append(out, research.SearchResult{
			Title:   strings.TrimSpace(r.Title),
			Link:    r.URL,
			Snippet: snippet(r),
		})
	}
	return out, nil
}

// snippet prefers the result description and falls back to the start of the
// page content.
func snippet(r jina.SearchResult) string {
	s := strings.TrimSpace(r.Description)
	if s == "" {
		s = strings.TrimSpace(r.Content)
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxSnippetChars {
		cut := maxSnippetChars
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
