package search

import (
	"context"

	"github.com/rs/zerolog"

	"plixmap/api/internal/protocol"
)

// Service is the facade that tries Meilisearch first and falls back to a
// scan of the stored graph.
type Service struct {
	meili    *Meili
	fallback Searcher
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, log zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log.With().Str("component", "search").Logger()}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to graph scan")
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("graph scan failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Reindex pushes the saved graph to Meilisearch (fire-and-forget).
func (s *Service) Reindex(clients []protocol.Client) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	plans, objects := Records(clients)
	go func() {
		if err := s.meili.Replace(plans, objects); err != nil {
			s.log.Warn().Err(err).Msg("reindex failed")
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
