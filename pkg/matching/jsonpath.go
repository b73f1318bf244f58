package matching

import (
	"reflect"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// matchJSONPath evaluates a JSONPath expression against body and compares
// the result against expected. Grounded on internal/matching/jsonpath.go's
// "parse body as generic JSON, walk the path, compare" approach, but the
// walk itself is delegated to ojg/jp rather than the teacher's hand-rolled
// segment parser — ojg is already a direct teacher dependency.
func matchJSONPath(body []byte, path string, expected any) bool {
	if len(body) == 0 || path == "" {
		return false
	}

	parsed, err := oj.Parse(body)
	if err != nil {
		return false
	}

	expr, err := jp.ParseString(path)
	if err != nil {
		return false
	}

	results := expr.Get(parsed)
	if len(results) == 0 {
		return false
	}

	if expected == nil {
		return true
	}

	for _, got := range results {
		if jsonValueEqual(got, expected) {
			return true
		}
	}
	return false
}

func jsonValueEqual(got, expected any) bool {
	switch e := expected.(type) {
	case float64:
		g, ok := toFloat64(got)
		return ok && g == e
	case int:
		g, ok := toFloat64(got)
		return ok && g == float64(e)
	default:
		return reflect.DeepEqual(got, expected)
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
