package fondy

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// служебные поля, не участвующие в подписи
var unsignedFields = map[string]struct{}{
	"signature":                 {},
	"response_signature_string": {},
}

// Sign вычисляет подпись Fondy: sha1 от пароля мерчанта и непустых значений
// параметров, отсортированных по имени и склеенных через "|".
func Sign(password string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if _, skip := unsignedFields[k]; skip {
			continue
		}
		if stringify(v) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, password)
	for _, k := range keys {
		parts = append(parts, stringify(params[k]))
	}

	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Verify сравнивает переданную подпись с вычисленной.
func Verify(password string, params map[string]any) bool {
	got := stringify(params["signature"])
	if got == "" {
		return false
	}
	return strings.EqualFold(got, Sign(password, params))
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}
