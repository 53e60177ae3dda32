package mcprelay

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FormatRequestId renders a request id as the canonical string used to
// address per-request channels. JSON numbers decode as float64; integral
// values must render without a fractional part so that publisher and
// subscriber derive the same channel name.
func FormatRequestId(id RequestId) string {
	switch actual := id.(type) {
	case nil:
		return ""
	case string:
		return actual
	case float64:
		return strconv.FormatFloat(actual, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(actual), 'f', -1, 32)
	case json.Number:
		return actual.String()
	case int:
		return strconv.Itoa(actual)
	case int64:
		return strconv.FormatInt(actual, 10)
	case uint64:
		return strconv.FormatUint(actual, 10)
	default:
		return fmt.Sprintf("%v", actual)
	}
}
