package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const (
	idxPlans   = "plixmap_plans"
	idxObjects = "plixmap_objects"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger

	// indexed remembers which ids the last Replace pushed, so a later
	// Replace can delete the ones that disappeared from the graph.
	mu      sync.Mutex
	indexed map[string]map[string]struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is not an error: the health loop keeps probing and
// searches fall back until it recovers.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client:  client,
		done:    make(chan struct{}),
		log:     log.With().Str("component", "meilisearch").Logger(),
		indexed: map[string]map[string]struct{}{},
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxPlans,
			filterable: []string{"clientId", "siteId"},
			searchable: []string{"name", "siteName"},
		},
		{
			uid:        idxObjects,
			filterable: []string{"clientId", "siteId", "planId", "typeId"},
			searchable: []string{"name", "typeId", "planName"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			m.log.Debug().Err(err).Str("index", idx.uid).Msg("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or one, when filtered) and merges results.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	for _, ti := range []struct {
		uid  string
		rtyp ResultType
	}{
		{idxPlans, ResultPlan},
		{idxObjects, ResultObject},
	} {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}
		if q.ClientID != "" {
			sr.Filter = []string{fmt.Sprintf("clientId = %q", q.ClientID)}
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxPlans:
		return ResultPlan
	case idxObjects:
		return ResultObject
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.ClientID = decodeString(hit, "clientId")
	r.SiteID = decodeString(hit, "siteId")
	r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))

	switch rtyp {
	case ResultPlan:
		r.PlanID = r.ID
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "siteName"), decodeString(hit, "siteName"))
	case ResultObject:
		r.PlanID = decodeString(hit, "planId")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "planName"), decodeString(hit, "planName"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// Replace makes both indexes mirror the given records: everything is
// upserted and ids missing since the previous call are deleted.
func (m *Meili) Replace(plans []PlanRecord, objects []ObjectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	planIDs := make([]string, len(plans))
	for i, p := range plans {
		planIDs[i] = p.ID
	}
	objectIDs := make([]string, len(objects))
	for i, o := range objects {
		objectIDs[i] = o.ID
	}

	if len(plans) > 0 {
		if _, err := m.client.Index(idxPlans).AddDocuments(plans, nil); err != nil {
			return fmt.Errorf("index plans: %w", err)
		}
	}
	if len(objects) > 0 {
		if _, err := m.client.Index(idxObjects).AddDocuments(objects, nil); err != nil {
			return fmt.Errorf("index objects: %w", err)
		}
	}
	if err := m.prune(idxPlans, planIDs); err != nil {
		return err
	}
	return m.prune(idxObjects, objectIDs)
}

func (m *Meili) prune(uid string, current []string) error {
	keep := make(map[string]struct{}, len(current))
	for _, id := range current {
		keep[id] = struct{}{}
	}
	for _, id := range staleIDs(m.indexed[uid], keep) {
		if _, err := m.client.Index(uid).DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete %s from %s: %w", id, uid, err)
		}
	}
	m.indexed[uid] = keep
	return nil
}

func staleIDs(previous, current map[string]struct{}) []string {
	var out []string
	for id := range previous {
		if _, ok := current[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
