package tabular

import (
	"strconv"
)

// FlattenRecord flattens a decoded JSON object into a single row.
// Nested keys are joined with "_": {"a": {"b": 1}} becomes {"a_b": 1}, and list
// elements take their index: {"urns": ["tel:1"]} becomes {"urns_0": "tel:1"}.
// Lists nested directly inside lists are skipped.
func FlattenRecord(record map[string]any) Row {
	row := make(Row, len(record))
	flattenInto(row, "", record)
	return row
}

func flattenInto(row Row, prefix string, data map[string]any) {
	for key, value := range data {
		flattenValue(row, joinKey(prefix, key), value)
	}
}

func flattenValue(row Row, key string, value any) {
	switch v := value.(type) {
	case map[string]any:
		flattenInto(row, key, v)
	case []any:
		for i, element := range v {
			elementKey := key + "_" + strconv.Itoa(i)
			switch el := element.(type) {
			case map[string]any:
				flattenInto(row, elementKey, el)
			case []any:
				// nested lists are not representable in a flat row
			default:
				row[elementKey] = el
			}
		}
	default:
		row[key] = value
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}
