package writeback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/rapidflat/pkg/concurrency"
	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
	"github.com/wehubfusion/rapidflat/pkg/rapidpro"
	"github.com/wehubfusion/rapidflat/pkg/tabular"
)

type groupCall struct {
	action rapidpro.GroupAction
	group  string
	ids    []string
}

type mockClient struct {
	mu       sync.Mutex
	updates  map[string]map[string]string
	failURN  string
	groups   []groupCall
	starts   map[string][]string
	flows    map[string]string
	groupErr error
}

func newMockClient() *mockClient {
	return &mockClient{
		updates: make(map[string]map[string]string),
		starts:  make(map[string][]string),
		flows:   map[string]string{"Bienvenida": "f-1"},
	}
}

func (m *mockClient) UpdateContactFields(_ context.Context, urn string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if urn == m.failURN {
		return errors.New("bad request")
	}
	m.updates[urn] = fields
	return nil
}

func (m *mockClient) ChangeGroup(_ context.Context, action rapidpro.GroupAction, group string, ids []string) error {
	if m.groupErr != nil {
		return m.groupErr
	}
	m.groups = append(m.groups, groupCall{action: action, group: group, ids: ids})
	return nil
}

func (m *mockClient) StartFlow(_ context.Context, flowUUID string, ids []string) error {
	m.starts[flowUUID] = ids
	return nil
}

func (m *mockClient) FlowUUID(_ context.Context, name string) (string, error) {
	if id, ok := m.flows[name]; ok {
		return id, nil
	}
	return "", rferrors.NewError("FLOW_NOT_FOUND", name, rferrors.ErrNotFound)
}

func TestNewWriter(t *testing.T) {
	_, err := NewWriter(nil, nil, nil)
	assert.Error(t, err)

	w, err := NewWriter(newMockClient(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, w.limiter.Capacity())
}

func TestPhoneURN(t *testing.T) {
	tests := []struct {
		phone string
		want  string
	}{
		{"55 1234 5678", "tel:+525512345678"},
		{"+15551234567", "tel:+15551234567"},
		{"tel:+525500000000", "tel:+525500000000"},
		{"  ", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.phone, func(t *testing.T) {
			assert.Equal(t, tt.want, PhoneURN(tt.phone, "+52"))
		})
	}
}

func TestParseMapping(t *testing.T) {
	m, err := ParseMapping([]string{"peso=weight", " edad = age ", "nombre"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"peso": "weight", "edad": "age", "nombre": "nombre"}, m)

	_, err = ParseMapping([]string{"=weight"})
	assert.ErrorIs(t, err, rferrors.ErrInvalidConfig)
	_, err = ParseMapping([]string{"peso="})
	assert.ErrorIs(t, err, rferrors.ErrInvalidConfig)
}

func TestUpdateFields(t *testing.T) {
	client := newMockClient()
	w, err := NewWriter(client, concurrency.NewLimiter(2), zap.NewNop())
	require.NoError(t, err)

	rows := []tabular.Row{
		{"phone": "5511112222", "peso": "61", "edad": ""},
		{"phone": "5533334444", "peso": "", "edad": ""},
		{"phone": "", "peso": "70", "edad": "30"},
		{"phone": "+15550001111", "peso": "80", "edad": "41"},
	}

	sum, err := w.UpdateFields(context.Background(), rows, FieldUpdate{
		Mapping:     map[string]string{"peso": "weight", "edad": "age"},
		CountryCode: "+52",
		Date:        "18/10/2026",
	})
	require.NoError(t, err)
	assert.Equal(t, &Summary{Updated: 2, Skipped: 2}, sum)

	assert.Equal(t, map[string]string{"weight": "61", DateField: "18/10/2026"}, client.updates["tel:+525511112222"])
	assert.Equal(t, map[string]string{"weight": "80", "age": "41", DateField: "18/10/2026"}, client.updates["tel:+15550001111"])
	assert.NotContains(t, client.updates, "tel:+525533334444", "rows with only empty cells send nothing")
}

func TestUpdateFieldsJoinsRowErrors(t *testing.T) {
	client := newMockClient()
	client.failURN = "tel:+525500000002"
	w, err := NewWriter(client, nil, zap.NewNop())
	require.NoError(t, err)

	rows := []tabular.Row{
		{"tel": "5500000001", "peso": "60"},
		{"tel": "5500000002", "peso": "61"},
		{"tel": "5500000003", "peso": "62"},
	}
	sum, err := w.UpdateFields(context.Background(), rows, FieldUpdate{
		Mapping:     map[string]string{"peso": "weight"},
		URNColumn:   "tel",
		CountryCode: "+52",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")
	assert.Equal(t, 2, sum.Updated)
	assert.Equal(t, 1, sum.Failed)
	assert.NotContains(t, client.updates["tel:+525500000001"], DateField)

	_, err = w.UpdateFields(context.Background(), rows, FieldUpdate{})
	assert.ErrorIs(t, err, rferrors.ErrInvalidConfig)
}

func TestContactUUIDs(t *testing.T) {
	rows := []tabular.Row{
		{"uuid": "a"}, {"uuid": ""}, {"uuid": "b"}, {"uuid": "a"}, {"other": "c"},
	}
	assert.Equal(t, []string{"a", "b"}, ContactUUIDs(rows, "uuid"))
	assert.Nil(t, ContactUUIDs(nil, "uuid"))
}

func TestChangeGroup(t *testing.T) {
	client := newMockClient()
	w, err := NewWriter(client, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	rows := []tabular.Row{{"uuid": "a"}, {"uuid": "b"}}
	n, err := w.ChangeGroup(ctx, rapidpro.GroupRemove, "Piloto", rows, "uuid")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, client.groups, 1)
	assert.Equal(t, groupCall{action: rapidpro.GroupRemove, group: "Piloto", ids: []string{"a", "b"}}, client.groups[0])

	n, err = w.ChangeGroup(ctx, rapidpro.GroupAdd, "Piloto", []tabular.Row{{"uuid": ""}}, "uuid")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, client.groups, 1)

	_, err = w.ChangeGroup(ctx, rapidpro.GroupAdd, "", rows, "uuid")
	assert.Error(t, err)

	client.groupErr = errors.New("server error")
	_, err = w.ChangeGroup(ctx, rapidpro.GroupAdd, "Piloto", rows, "uuid")
	assert.Error(t, err)
}

func TestStartFlow(t *testing.T) {
	client := newMockClient()
	w, err := NewWriter(client, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	n, err := w.StartFlow(ctx, "Bienvenida", []tabular.Row{{"contact": "a"}, {"contact": "b"}}, "contact")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, client.starts["f-1"])

	_, err = w.StartFlow(ctx, "Missing", nil, "contact")
	assert.True(t, rferrors.IsNotFound(err))
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.csv")
	require.NoError(t, os.WriteFile(path, []byte("phone,peso\n5511112222,61\n5533334444,\n"), 0o644))

	rows, err := LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "61", rows[0]["peso"])
	assert.Equal(t, "", rows[1]["peso"])

	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
