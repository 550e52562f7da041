package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// ShapeSignature describes the columns of a result and the type each carries.
// A column's type is taken from its first non-null value; a column that is
// null in every row reads as null. Row counts and values do not contribute.
func ShapeSignature(keys []string, rows [][]any) string {
	parts := make([]string, len(keys))
	for i, key := range keys {
		kind := "null"
		for _, row := range rows {
			if i < len(row) && row[i] != nil {
				kind = valueKind(row[i])
				break
			}
		}
		parts[i] = key + ":" + kind
	}
	return strings.Join(parts, ",")
}

func valueKind(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int64, int32, int:
		return "int"
	case float64, float32:
		return "float"
	case string:
		return "string"
	case []byte:
		return "bytes"
	case time.Time, dbtype.Date, dbtype.LocalDateTime, dbtype.LocalTime, dbtype.Time, dbtype.Duration:
		return "temporal"
	case dbtype.Point2D, dbtype.Point3D:
		return "point"
	case dbtype.Node:
		labels := append([]string(nil), val.Labels...)
		sort.Strings(labels)
		return "node(" + strings.Join(labels, "|") + ")"
	case dbtype.Relationship:
		return "rel(" + val.Type + ")"
	case dbtype.Path:
		return "path"
	case []any:
		for _, item := range val {
			if item != nil {
				return "list<" + valueKind(item) + ">"
			}
		}
		return "list"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "map{" + strings.Join(keys, "|") + "}"
	default:
		return fmt.Sprintf("%T", v)
	}
}
