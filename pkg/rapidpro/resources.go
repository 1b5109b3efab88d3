package rapidpro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/rapidflat/pkg/run"
)

// Kind names an API resource.
type Kind string

const (
	KindRuns     Kind = "runs"
	KindContacts Kind = "contacts"
	KindFlows    Kind = "flows"
	KindFields   Kind = "fields"
	KindGroups   Kind = "groups"
	KindMessages Kind = "messages"
)

// Query narrows a resource listing. Window bounds apply only to resources that
// support them; both are inclusive on the server side.
type Query struct {
	After  *time.Time
	Before *time.Time
	// Flow restricts runs to one flow UUID.
	Flow   string
	Params url.Values
}

// Page handles one page of raw results.
type Page func(results []json.RawMessage) error

type fetchFunc func(c *Client, ctx context.Context, q Query, page Page) error

// resources maps each kind to the function that lists it.
var resources = map[Kind]fetchFunc{
	KindRuns:     windowed("runs.json", "flow"),
	KindContacts: windowed("contacts.json", ""),
	KindMessages: windowed("messages.json", ""),
	KindFlows:    plain("flows.json"),
	KindFields:   plain("fields.json"),
	KindGroups:   plain("groups.json"),
}

// Kinds lists the supported resource kinds.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(resources))
	for k := range resources {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ParseKind validates a resource name.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if _, ok := resources[k]; !ok {
		return "", fmt.Errorf("unknown resource %q", name)
	}
	return k, nil
}

func windowed(path, flowParam string) fetchFunc {
	return func(c *Client, ctx context.Context, q Query, page Page) error {
		params := cloneParams(q.Params)
		if q.After != nil {
			params.Set("after", q.After.UTC().Format(time.RFC3339Nano))
		}
		if q.Before != nil {
			params.Set("before", q.Before.UTC().Format(time.RFC3339Nano))
		}
		if flowParam != "" && q.Flow != "" {
			params.Set(flowParam, q.Flow)
		}
		return c.paginate(ctx, c.endpoint(path, params), page)
	}
}

func plain(path string) fetchFunc {
	return func(c *Client, ctx context.Context, q Query, page Page) error {
		return c.paginate(ctx, c.endpoint(path, cloneParams(q.Params)), page)
	}
}

func cloneParams(p url.Values) url.Values {
	out := make(url.Values, len(p))
	for k, v := range p {
		out[k] = append([]string(nil), v...)
	}
	return out
}

type listResponse struct {
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// paginate follows "next" links until the listing is exhausted.
func (c *Client) paginate(ctx context.Context, rawURL string, page Page) error {
	pages := 0
	for next := rawURL; next != ""; {
		var resp listResponse
		if err := c.do(ctx, "GET", next, nil, &resp); err != nil {
			return err
		}
		pages++
		if err := page(resp.Results); err != nil {
			return err
		}
		next = ""
		if resp.Next != nil {
			next = *resp.Next
		}
	}
	c.logger.Debug("Listing complete", zap.String("url", rawURL), zap.Int("pages", pages))
	return nil
}

// Fetch streams every page of a resource listing to page.
func (c *Client) Fetch(ctx context.Context, kind Kind, q Query, page Page) error {
	fetch, ok := resources[kind]
	if !ok {
		return fmt.Errorf("unknown resource %q", kind)
	}
	return fetch(c, ctx, q, page)
}

// Records lists a resource as decoded JSON objects.
func (c *Client) Records(ctx context.Context, kind Kind, q Query) ([]map[string]any, error) {
	var out []map[string]any
	err := c.Fetch(ctx, kind, q, func(results []json.RawMessage) error {
		for _, raw := range results {
			var rec map[string]any
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("failed to decode %s record: %w", kind, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Runs lists raw runs.
func (c *Client) Runs(ctx context.Context, q Query) ([]*run.RawRun, error) {
	var out []*run.RawRun
	err := c.Fetch(ctx, KindRuns, q, func(results []json.RawMessage) error {
		for _, raw := range results {
			r := &run.RawRun{}
			if err := json.Unmarshal(raw, r); err != nil {
				return fmt.Errorf("failed to decode run: %w", err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}
