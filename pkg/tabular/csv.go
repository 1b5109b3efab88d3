package tabular

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// TimeLayout renders timestamps in UTC with fractional seconds.
const TimeLayout = time.RFC3339Nano

// Columns returns the union of the rows' columns: the preferred ones that occur
// first, in the given order, then the rest sorted.
func Columns(rows []Row, preferred ...string) []string {
	present := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			present[k] = true
		}
	}

	cols := make([]string, 0, len(present))
	for _, k := range preferred {
		if present[k] {
			cols = append(cols, k)
			delete(present, k)
		}
	}
	rest := make([]string, 0, len(present))
	for k := range present {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

// FormatValue renders a cell. Absent values render empty.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.UTC().Format(TimeLayout)
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.UTC().Format(TimeLayout)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// WriteCSV writes a header of columns followed by one line per row.
// When columns is empty the union of the rows' columns is used.
func WriteCSV(w io.Writer, rows []Row, columns []string, header bool) error {
	if len(columns) == 0 {
		columns = Columns(rows, RunColumns...)
	}

	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(columns); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	record := make([]string, len(columns))
	for i, row := range rows {
		for j, col := range columns {
			record[j] = FormatValue(row[col])
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a headed CSV into rows of strings. Empty cells are kept as "".
func ReadCSV(r io.Reader) ([]string, []Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var rows []Row
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row %d: %w", len(rows)+1, err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}
