package search

import (
	"context"
	"strings"

	"plixmap/api/internal/protocol"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPlan   ResultType = "plan"
	ResultObject ResultType = "object"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet,omitempty"`
	PlanID   string     `json:"planId"`
	ClientID string     `json:"clientId"`
	SiteID   string     `json:"siteId"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	ClientID   string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a search over floor plans and their objects.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// PlanRecord is the data we index for a floor plan.
type PlanRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SiteName string `json:"siteName"`
	ClientID string `json:"clientId"`
	SiteID   string `json:"siteId"`
}

// ObjectRecord is the data we index for a placed object.
type ObjectRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TypeID   string `json:"typeId"`
	PlanID   string `json:"planId"`
	PlanName string `json:"planName"`
	ClientID string `json:"clientId"`
	SiteID   string `json:"siteId"`
}

// Records flattens the graph into index records.
func Records(clients []protocol.Client) ([]PlanRecord, []ObjectRecord) {
	plans := make([]PlanRecord, 0)
	objects := make([]ObjectRecord, 0)
	protocol.EachPlan(clients, func(client *protocol.Client, site *protocol.Site, plan *protocol.FloorPlan) {
		plans = append(plans, PlanRecord{
			ID:       plan.ID,
			Name:     plan.Name,
			SiteName: site.Name,
			ClientID: client.ID,
			SiteID:   site.ID,
		})
		for _, obj := range plan.Objects {
			objects = append(objects, ObjectRecord{
				ID:       obj.ID,
				Name:     obj.Name,
				TypeID:   obj.TypeID,
				PlanID:   plan.ID,
				PlanName: plan.Name,
				ClientID: client.ID,
				SiteID:   site.ID,
			})
		}
	})
	return plans, objects
}

// GraphScanner searches the stored graph directly. It needs no index and
// serves as the fallback whenever Meilisearch is unavailable.
type GraphScanner struct {
	load func(ctx context.Context) ([]protocol.Client, error)
}

func NewGraphScanner(load func(ctx context.Context) ([]protocol.Client, error)) *GraphScanner {
	return &GraphScanner{load: load}
}

func (g *GraphScanner) Search(ctx context.Context, q Query) ([]Result, int, error) {
	clients, err := g.load(ctx)
	if err != nil {
		return nil, 0, err
	}
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	plans, objects := Records(clients)

	var all []Result
	if q.FilterType == "" || q.FilterType == ResultPlan {
		for _, p := range plans {
			if q.ClientID != "" && p.ClientID != q.ClientID {
				continue
			}
			if matches(needle, p.Name, p.SiteName) {
				all = append(all, Result{Type: ResultPlan, ID: p.ID, Title: p.Name, Snippet: p.SiteName, PlanID: p.ID, ClientID: p.ClientID, SiteID: p.SiteID})
			}
		}
	}
	if q.FilterType == "" || q.FilterType == ResultObject {
		for _, o := range objects {
			if q.ClientID != "" && o.ClientID != q.ClientID {
				continue
			}
			if matches(needle, o.Name, o.TypeID) {
				all = append(all, Result{Type: ResultObject, ID: o.ID, Title: o.Name, Snippet: o.PlanName, PlanID: o.PlanID, ClientID: o.ClientID, SiteID: o.SiteID})
			}
		}
	}

	total := len(all)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if q.Offset >= total {
		return []Result{}, total, nil
	}
	end := q.Offset + limit
	if end > total {
		end = total
	}
	return all[q.Offset:end], total, nil
}

func matches(needle string, fields ...string) bool {
	if needle == "" {
		return false
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}
