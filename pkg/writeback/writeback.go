// Package writeback pushes tabular data back into the platform: contact field
// updates, group membership changes and flow starts.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/rapidflat/pkg/concurrency"
	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
	"github.com/wehubfusion/rapidflat/pkg/rapidpro"
	"github.com/wehubfusion/rapidflat/pkg/tabular"
)

// DateField is the contact field stamped with the update date.
const DateField = "rp_datemodified"

// Client is the write side of the API. *rapidpro.Client implements it.
type Client interface {
	UpdateContactFields(ctx context.Context, urn string, fields map[string]string) error
	ChangeGroup(ctx context.Context, action rapidpro.GroupAction, group string, contacts []string) error
	StartFlow(ctx context.Context, flowUUID string, contacts []string) error
	FlowUUID(ctx context.Context, name string) (string, error)
}

// Writer issues write calls built from rows.
type Writer struct {
	client  Client
	limiter *concurrency.Limiter
	logger  *zap.Logger
}

// NewWriter creates a Writer. A nil limiter sends one request at a time.
func NewWriter(client Client, limiter *concurrency.Limiter, logger *zap.Logger) (*Writer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if limiter == nil {
		limiter = concurrency.NewLimiter(1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{client: client, limiter: limiter, logger: logger}, nil
}

// LoadCSV reads a headed CSV file into rows.
func LoadCSV(path string) ([]tabular.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	_, rows, err := tabular.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}

// PhoneURN turns a phone number cell into a tel URN, prefixing the country code
// when the number carries none. Empty cells give "".
func PhoneURN(phone, countryCode string) string {
	phone = strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
	if phone == "" {
		return ""
	}
	if strings.HasPrefix(phone, "tel:") {
		return phone
	}
	if !strings.HasPrefix(phone, "+") {
		phone = countryCode + phone
	}
	return "tel:" + phone
}

// FieldUpdate describes a contact field update.
type FieldUpdate struct {
	// Mapping maps input columns to contact field keys.
	Mapping map[string]string
	// URNColumn holds each contact's phone number or URN.
	URNColumn   string
	CountryCode string
	// Date, when set, is written to DateField on every updated contact.
	Date string
}

// ParseMapping reads "column=field" pairs. A bare "column" maps to a field of
// the same name.
func ParseMapping(pairs []string) (map[string]string, error) {
	mapping := make(map[string]string, len(pairs))
	for _, p := range pairs {
		col, field, found := strings.Cut(p, "=")
		col = strings.TrimSpace(col)
		if !found {
			field = col
		}
		field = strings.TrimSpace(field)
		if col == "" || field == "" {
			return nil, rferrors.NewError("INVALID_MAPPING", fmt.Sprintf("bad mapping %q", p), rferrors.ErrInvalidConfig)
		}
		mapping[col] = field
	}
	return mapping, nil
}

// Summary counts what a write-back did.
type Summary struct {
	Updated int
	Skipped int
	Failed  int
}

// UpdateFields builds a field update for every row and sends it. Empty cells are left
// out of the update and rows with nothing to update or no URN are skipped.
// Failed rows do not stop the others; their errors are joined.
func (w *Writer) UpdateFields(ctx context.Context, rows []tabular.Row, u FieldUpdate) (*Summary, error) {
	if len(u.Mapping) == 0 {
		return nil, rferrors.NewError("INVALID_MAPPING", "no field mapping given", rferrors.ErrInvalidConfig)
	}
	if u.URNColumn == "" {
		u.URNColumn = "phone"
	}

	columns := make([]string, 0, len(u.Mapping))
	for col := range u.Mapping {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	type update struct {
		row    int
		urn    string
		fields map[string]string
	}
	var updates []update
	sum := &Summary{}
	for i, row := range rows {
		fields := make(map[string]string)
		for _, col := range columns {
			if v := tabular.FormatValue(row[col]); v != "" {
				fields[u.Mapping[col]] = v
			}
		}
		if len(fields) == 0 {
			sum.Skipped++
			continue
		}
		urn := PhoneURN(tabular.FormatValue(row[u.URNColumn]), u.CountryCode)
		if urn == "" {
			w.logger.Warn("Row has no contact URN, skipping",
				zap.Int("row", i+1),
				zap.String("urn_column", u.URNColumn))
			sum.Skipped++
			continue
		}
		if u.Date != "" {
			fields[DateField] = u.Date
		}
		updates = append(updates, update{row: i + 1, urn: urn, fields: fields})
	}

	var failures []error
	errs := w.limiter.ForEach(ctx, len(updates), func(i int) error {
		return w.client.UpdateContactFields(ctx, updates[i].urn, updates[i].fields)
	})
	for i, err := range errs {
		if err != nil {
			failures = append(failures, fmt.Errorf("row %d (%s): %w", updates[i].row, updates[i].urn, err))
			sum.Failed++
			continue
		}
		sum.Updated++
	}

	w.logger.Info("Contact fields updated",
		zap.Int("updated", sum.Updated),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed))
	return sum, errors.Join(failures...)
}

// ContactUUIDs collects the distinct non-empty values of column, in row order.
func ContactUUIDs(rows []tabular.Row, column string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, row := range rows {
		id := strings.TrimSpace(tabular.FormatValue(row[column]))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// ChangeGroup adds or removes the contacts listed in column to or from group.
func (w *Writer) ChangeGroup(ctx context.Context, action rapidpro.GroupAction, group string, rows []tabular.Row, column string) (int, error) {
	if group == "" {
		return 0, fmt.Errorf("group is required")
	}
	ids := ContactUUIDs(rows, column)
	if len(ids) == 0 {
		w.logger.Info("No contacts to change", zap.String("group", group))
		return 0, nil
	}
	if err := w.client.ChangeGroup(ctx, action, group, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// StartFlow starts the contacts listed in column in the flow named flow.
func (w *Writer) StartFlow(ctx context.Context, flow string, rows []tabular.Row, column string) (int, error) {
	flowUUID, err := w.client.FlowUUID(ctx, flow)
	if err != nil {
		return 0, err
	}
	ids := ContactUUIDs(rows, column)
	if len(ids) == 0 {
		w.logger.Info("No contacts to start", zap.String("flow", flow))
		return 0, nil
	}
	if err := w.client.StartFlow(ctx, flowUUID, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}
