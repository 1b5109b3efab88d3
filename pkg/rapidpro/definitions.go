package rapidpro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
	"github.com/wehubfusion/rapidflat/pkg/flowdef"
)

// FlowDefinition fetches one flow's definition without its dependencies.
// It returns (nil, nil) when the platform does not know the flow, which makes
// *Client a flowdef.Fetcher.
func (c *Client) FlowDefinition(ctx context.Context, flowUUID string) (*flowdef.Definition, error) {
	params := url.Values{}
	params.Set("flow", flowUUID)
	params.Set("dependencies", "none")

	var payload json.RawMessage
	if err := c.do(ctx, "GET", c.endpoint("definitions.json", params), nil, &payload); err != nil {
		if rferrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	defs, err := flowdef.ParseDefinitions(payload)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if strings.EqualFold(def.UUID, flowUUID) {
			return def, nil
		}
	}
	return nil, nil
}

// Flow is an entry of the flows listing.
type Flow struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Flows lists every flow.
func (c *Client) Flows(ctx context.Context) ([]Flow, error) {
	var flows []Flow
	err := c.Fetch(ctx, KindFlows, Query{}, func(results []json.RawMessage) error {
		for _, raw := range results {
			var f Flow
			if err := json.Unmarshal(raw, &f); err != nil {
				return fmt.Errorf("failed to decode flow: %w", err)
			}
			flows = append(flows, f)
		}
		return nil
	})
	return flows, err
}

// FlowUUID resolves a flow's UUID from its name. The first exact match wins.
func (c *Client) FlowUUID(ctx context.Context, name string) (string, error) {
	flows, err := c.Flows(ctx)
	if err != nil {
		return "", err
	}
	for _, f := range flows {
		if f.Name == name {
			return f.UUID, nil
		}
	}
	return "", rferrors.NewError("FLOW_NOT_FOUND", fmt.Sprintf("no flow named %q", name), rferrors.ErrNotFound)
}
