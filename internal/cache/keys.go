package cache

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/audittrail/audittrail/pkg/checksum"
)

const (
	statsPrefix = "stats:"
	queryPrefix = "query:"
)

// StatisticsKey builds the key for a statistics result computed with filters.
func StatisticsKey(filters map[string]any) string {
	return statsPrefix + Canonical(filters)
}

// QueryKey builds the key for a query result computed with filters.
func QueryKey(filters map[string]any) string {
	return queryPrefix + Canonical(filters)
}

// Canonical hashes filters so that maps with the same non-nil entries always
// produce the same string, regardless of insertion order.
func Canonical(filters map[string]any) string {
	clean := make(map[string]any, len(filters))
	for k, v := range filters {
		if isNil(v) {
			continue
		}
		clean[k] = v
	}
	// encoding/json writes map keys sorted.
	sum, err := checksum.SumJSON(clean)
	if err != nil {
		// fmt prints maps key-sorted too.
		sum, _ = checksum.CalculateSHA256(strings.NewReader(fmt.Sprint(clean)))
	}
	return sum[:32]
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
