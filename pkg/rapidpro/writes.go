package rapidpro

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// BatchSize is the most contacts the API accepts in one write call.
const BatchSize = 100

// Batch splits ids into consecutive chunks of at most size elements.
func Batch(ids []string, size int) [][]string {
	if size <= 0 {
		size = BatchSize
	}
	var batches [][]string
	for len(ids) > size {
		batches = append(batches, ids[:size:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		batches = append(batches, ids)
	}
	return batches
}

// GroupAction is a membership change.
type GroupAction string

const (
	GroupAdd    GroupAction = "add"
	GroupRemove GroupAction = "remove"
)

type contactActionRequest struct {
	Contacts []string `json:"contacts"`
	Action   string   `json:"action"`
	Group    string   `json:"group"`
}

// ChangeGroup adds contacts to or removes them from a group, in batches.
func (c *Client) ChangeGroup(ctx context.Context, action GroupAction, group string, contacts []string) error {
	if action != GroupAdd && action != GroupRemove {
		return fmt.Errorf("unknown group action %q", action)
	}
	for i, batch := range Batch(contacts, BatchSize) {
		req := contactActionRequest{Contacts: batch, Action: string(action), Group: group}
		if err := c.do(ctx, "POST", c.endpoint("contact_actions.json", nil), req, nil); err != nil {
			return fmt.Errorf("group %s batch %d: %w", action, i, err)
		}
		c.logger.Info("Group membership updated",
			zap.String("group", group),
			zap.String("action", string(action)),
			zap.Int("contacts", len(batch)))
	}
	return nil
}

type flowStartRequest struct {
	Flow                string   `json:"flow"`
	Contacts            []string `json:"contacts"`
	RestartParticipants bool     `json:"restart_participants"`
}

// StartFlow starts contacts in a flow, in batches, restarting anyone already in it.
func (c *Client) StartFlow(ctx context.Context, flowUUID string, contacts []string) error {
	for i, batch := range Batch(contacts, BatchSize) {
		req := flowStartRequest{Flow: flowUUID, Contacts: batch, RestartParticipants: true}
		if err := c.do(ctx, "POST", c.endpoint("flow_starts.json", nil), req, nil); err != nil {
			return fmt.Errorf("flow start batch %d: %w", i, err)
		}
		c.logger.Info("Flow started",
			zap.String("flow_uuid", flowUUID),
			zap.Int("contacts", len(batch)))
	}
	return nil
}

type contactUpdateRequest struct {
	Fields map[string]string `json:"fields"`
}

// UpdateContactFields sets fields on the contact identified by urn.
func (c *Client) UpdateContactFields(ctx context.Context, urn string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	params := url.Values{}
	params.Set("urn", urn)
	return c.do(ctx, "POST", c.endpoint("contacts.json", params), contactUpdateRequest{Fields: fields}, nil)
}
