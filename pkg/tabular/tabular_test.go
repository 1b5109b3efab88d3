package tabular

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/rapidflat/pkg/run"
)

var t0 = time.Date(2016, 4, 19, 17, 0, 0, 0, time.UTC)

func at(sec int) *time.Time {
	t := t0.Add(time.Duration(sec) * time.Second)
	return &t
}

func str(s string) *string { return &s }

func f64(f float64) *float64 { return &f }

func sampleRun(id int64) *run.Run {
	return &run.Run{
		ID:         id,
		Flow:       run.FlowRef{UUID: "0f4c8e02-5a1d-4b9c-9d0a-1b2c3d4e5f60", Name: "miPrueba"},
		Contact:    run.ContactRef{UUID: "c-1", URN: "tel:+5215512345678"},
		Responded:  true,
		CreatedOn:  at(0),
		ModifiedOn: at(30),
		ExitType:   run.ExitCompleted,
		RunTime:    f64(20),
		Entries: []*run.Entry{
			{Node: "A", Origin: run.OriginSteps, ArrivedOn: at(0), LeftOn: at(12), Text: str("hola"), Type: str("reply"), Order: 1, StepTime: f64(12)},
			{Node: "B", Origin: run.OriginValues, ArrivedOn: at(12), LeftOn: at(20), Time: at(19), Label: str("confirm_s"),
				Value: "sí", Category: map[string]any{"base": "yes", "spa": "sí"}, Order: 2, Mistakes: 1, StepTime: f64(8), ResponseType: str("s")},
			{Node: "C", Origin: run.OriginValues, ArrivedOn: at(20), Label: str("weight_n"), Value: "61", Category: "numeric", Order: 3},
		},
	}
}

func TestFlattenBroadcastsRunFields(t *testing.T) {
	rows := Flatten(sampleRun(42))
	require.Len(t, rows, 3)

	for _, row := range rows {
		assert.Equal(t, int64(42), row[ColID])
		assert.Equal(t, "miPrueba", row[ColFlowName])
		assert.Equal(t, "c-1", row[ColContactUUID])
		assert.Equal(t, true, row[ColResponded])
		assert.Equal(t, "completed", row[ColExitType])
		assert.Nil(t, row[ColExitedOn])
		assert.NotContains(t, row, ColRunTime)
	}

	step := rows[0]
	assert.Equal(t, 0, step[ColLabel])
	assert.Equal(t, "hola", step[ColText])
	assert.Nil(t, step[ColValue])
	assert.Nil(t, step["category_base"])
	assert.Contains(t, step, "category_spa")
}

func TestFlattenWithRunTime(t *testing.T) {
	rows := NewFlattener(WithRunTime()).Flatten(sampleRun(1))
	assert.Equal(t, 20.0, rows[0][ColRunTime])

	r := sampleRun(2)
	r.RunTime = nil
	rows = NewFlattener(WithRunTime()).Flatten(r)
	assert.Contains(t, rows[0], ColRunTime)
	assert.Nil(t, rows[0][ColRunTime])
}

func TestFlattenEmptyRun(t *testing.T) {
	r := sampleRun(9)
	r.Entries = nil

	rows := Flatten(r)
	require.Len(t, rows, 1)

	want := []string{
		ColExitedOn, ColFlowUUID, ColFlowName, ColResponded, ColCreatedOn,
		ColContactUUID, ColContactURN, ColContactName, ColModifiedOn, ColID, ColExitType,
	}
	assert.ElementsMatch(t, want, Columns(rows))
}

func TestCategoryColumns(t *testing.T) {
	tests := []struct {
		name     string
		category any
		want     Row
	}{
		{name: "per language", category: map[string]any{"base": "yes", "spa": "sí"}, want: Row{"category_base": "yes", "category_spa": "sí"}},
		{name: "scalar", category: "yes", want: Row{"category_base": "yes", "category_spa": nil}},
		{name: "absent", category: nil, want: Row{"category_base": nil, "category_spa": nil}},
		{name: "other language only", category: map[string]string{"eng": "yes"}, want: Row{"category_eng": "yes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryColumns(tt.category))
		})
	}
}

func TestFlattenRecord(t *testing.T) {
	record := map[string]any{
		"uuid":    "c-1",
		"fields":  map[string]any{"rp_name": "Ana", "due": map[string]any{"date": "2017-01-01"}},
		"urns":    []any{"tel:+521", "whatsapp:521"},
		"groups":  []any{map[string]any{"name": "pilot", "uuid": "g-1"}},
		"matrix":  []any{[]any{1.0, 2.0}},
		"blocked": false,
	}

	row := FlattenRecord(record)

	assert.Equal(t, Row{
		"uuid":            "c-1",
		"fields_rp_name":  "Ana",
		"fields_due_date": "2017-01-01",
		"urns_0":          "tel:+521",
		"urns_1":          "whatsapp:521",
		"groups_0_name":   "pilot",
		"groups_0_uuid":   "g-1",
		"blocked":         false,
	}, row)
}

func TestColumns(t *testing.T) {
	rows := []Row{{"b": 1, "id": 2}, {"a": 1, "order": 3}}
	assert.Equal(t, []string{"id", "order", "a", "b"}, Columns(rows, ColID, ColOrder, "missing"))
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2016, 4, 19, 17, 0, 0, 123000000, time.FixedZone("CST", -6*3600))
	var nilTime *time.Time

	tests := []struct {
		in   any
		want string
	}{
		{in: nil, want: ""},
		{in: "x", want: "x"},
		{in: ts, want: "2016-04-19T23:00:00.123Z"},
		{in: nilTime, want: ""},
		{in: true, want: "true"},
		{in: 3, want: "3"},
		{in: int64(901), want: "901"},
		{in: 12.0, want: "12"},
		{in: 0.5, want: "0.5"},
		{in: []any{"a"}, want: `["a"]`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.in))
	}
}

func TestCSVRoundTripRestoresOrder(t *testing.T) {
	first, second := sampleRun(1), sampleRun(2)
	second.Entries[0], second.Entries[2] = second.Entries[2], second.Entries[0]

	rows := NewFlattener(WithRunTime()).Flatten(first, second)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows, nil, true))

	header, back, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, ColID, header[0])
	require.Len(t, back, 6)

	groups := Regroup(back)
	require.Len(t, groups, 2)
	assert.Equal(t, "1", groups[0].ID)
	assert.Equal(t, "2", groups[1].ID)

	for _, g := range groups {
		var nodes []string
		for _, row := range g.Rows {
			nodes = append(nodes, row[ColNode].(string))
		}
		assert.Equal(t, []string{"A", "B", "C"}, nodes)
	}

	b := groups[0].Rows[1]
	assert.Equal(t, "sí", b["category_spa"])
	assert.Equal(t, "2016-04-19T17:00:12Z", b[ColArrivedOn])
	assert.Equal(t, "", groups[0].Rows[2][ColLeftOn])
	assert.Equal(t, "0", groups[0].Rows[0][ColLabel])
}

func TestRegroupKeepsEmptyRuns(t *testing.T) {
	empty := sampleRun(5)
	empty.Entries = nil

	groups := Regroup(Flatten(sampleRun(4), empty))
	require.Len(t, groups, 2)
	assert.Len(t, groups[1].Rows, 1)
}

func TestWriteCSVWithoutHeader(t *testing.T) {
	var buf bytes.Buffer
	rows := []Row{{"a": "x,y", "b": nil}}
	require.NoError(t, WriteCSV(&buf, rows, []string{"a", "b"}, false))
	assert.Equal(t, "\"x,y\",\n", buf.String())
}

func TestReadCSVEmpty(t *testing.T) {
	header, rows, err := ReadCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Nil(t, header)
	assert.Empty(t, rows)
}

func TestFold(t *testing.T) {
	assert.Equal(t, "Clinica Senal 5", Fold("Clínica Señal $5"))
	assert.Equal(t, "ACCION", Fold("ACCIÓN"))
	assert.Equal(t, "1 visita", Fold("1ª visita"))
}

func TestScrubMessage(t *testing.T) {
	assert.Equal(t, "Hola que tal todo bien", ScrubMessage("\"Hola\", que tal; todo bien…\r\n"))
}

func TestLatest(t *testing.T) {
	rows := []Row{
		{ColModifiedOn: *at(30)},
		{ColModifiedOn: "2016-04-19T17:01:00.5Z"},
		{ColModifiedOn: ""},
		{ColModifiedOn: (*time.Time)(nil)},
		{},
	}
	latest := Latest(rows, ColModifiedOn)
	require.NotNil(t, latest)
	assert.Equal(t, "2016-04-19T17:01:00.5Z", latest.Format(TimeLayout))

	assert.Nil(t, Latest([]Row{{ColModifiedOn: "garbage"}}, ColModifiedOn))
	assert.Nil(t, Latest(nil, ColModifiedOn))
}
