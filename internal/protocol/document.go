package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Client is the root of the floor-plan graph.
type Client struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Sites []Site `json:"sites"`
}

type Site struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	FloorPlans []FloorPlan `json:"floorPlans"`
}

// FloorPlan is the lockable unit: its id is the documentId of the lock
// protocol.
type FloorPlan struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Objects  []Object `json:"objects"`
	// Extra keeps attributes the core does not interpret (layers, views,
	// rooms) so they survive a round trip untouched.
	Extra json.RawMessage `json:"extra,omitempty"`
}

type Object struct {
	ID       string          `json:"id"`
	TypeID   string          `json:"typeId"`
	Name     string          `json:"name"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	ImageURL string          `json:"imageUrl,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

type ObjectType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// DefaultObjectTypes is the palette a client seeds an empty server with.
func DefaultObjectTypes() []ObjectType {
	return []ObjectType{
		{ID: "desk", Name: "Desk", Icon: "desk"},
		{ID: "chair", Name: "Chair", Icon: "chair"},
		{ID: "printer", Name: "Printer", Icon: "printer"},
		{ID: "camera", Name: "Camera", Icon: "camera"},
		{ID: "access-point", Name: "Access point", Icon: "wifi"},
		{ID: "room", Name: "Meeting room", Icon: "door"},
	}
}

// StateResponse is the body of GET /api/state. A nil UpdatedAt means the
// server holds no state yet and the client should seed it.
type StateResponse struct {
	Clients     []Client     `json:"clients"`
	ObjectTypes []ObjectType `json:"objectTypes"`
	UpdatedAt   *time.Time   `json:"updatedAt"`
}

// SaveStateRequest is the body of POST /api/state.
type SaveStateRequest struct {
	Clients     []Client     `json:"clients"`
	ObjectTypes []ObjectType `json:"objectTypes"`
}

// SaveStateResponse omits Clients when the save was accepted as sent.
// Transformed is set when the server rewrote the graph (inline data moved to
// asset references, plans locked by someone else restored).
type SaveStateResponse struct {
	Clients     []Client     `json:"clients,omitempty"`
	ObjectTypes []ObjectType `json:"objectTypes,omitempty"`
	Transformed bool         `json:"transformed,omitempty"`
	UpdatedAt   *time.Time   `json:"updatedAt,omitempty"`
}

// IsInlineData reports whether ref embeds its payload instead of pointing at
// a stored asset.
func IsInlineData(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}

// FindPlan locates a floor plan anywhere in the graph.
func FindPlan(clients []Client, planID string) (*FloorPlan, bool) {
	for ci := range clients {
		for si := range clients[ci].Sites {
			plans := clients[ci].Sites[si].FloorPlans
			for pi := range plans {
				if plans[pi].ID == planID {
					return &plans[pi], true
				}
			}
		}
	}
	return nil, false
}

// EachPlan calls fn for every floor plan with its owning client and site.
func EachPlan(clients []Client, fn func(client *Client, site *Site, plan *FloorPlan)) {
	for ci := range clients {
		client := &clients[ci]
		for si := range client.Sites {
			site := &client.Sites[si]
			for pi := range site.FloorPlans {
				fn(client, site, &site.FloorPlans[pi])
			}
		}
	}
}

// CloneClients deep-copies a graph.
func CloneClients(in []Client) []Client {
	if in == nil {
		return nil
	}
	out := make([]Client, len(in))
	for ci, c := range in {
		out[ci] = c
		out[ci].Sites = make([]Site, len(c.Sites))
		for si, s := range c.Sites {
			out[ci].Sites[si] = s
			out[ci].Sites[si].FloorPlans = make([]FloorPlan, len(s.FloorPlans))
			for pi, p := range s.FloorPlans {
				out[ci].Sites[si].FloorPlans[pi] = ClonePlan(p)
			}
		}
	}
	return out
}

// ClonePlan deep-copies one floor plan.
func ClonePlan(p FloorPlan) FloorPlan {
	out := p
	out.Extra = cloneRaw(p.Extra)
	out.Objects = make([]Object, len(p.Objects))
	for i, o := range p.Objects {
		out.Objects[i] = o
		out.Objects[i].Extra = cloneRaw(o.Extra)
	}
	return out
}

func CloneObjectTypes(in []ObjectType) []ObjectType {
	if in == nil {
		return nil
	}
	out := make([]ObjectType, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
