// Package matching folds raw field values into comparison keys for a match mode.
package matching

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/steveyegge/dedup/internal/types"
)

// transform.Transformer values are stateful, so each goroutine takes its own chain.
var folders = sync.Pool{
	New: func() any {
		return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	},
}

var lower = cases.Lower(language.Und)

// Key returns the comparison key of value under mode. The second result is false
// when the value is empty and must never match anything.
func Key(value any, mode types.MatchMode) (string, bool) {
	s, ok := Text(value)
	if !ok {
		return "", false
	}
	switch mode {
	case types.MatchAccentInsensitive:
		return Fold(s), true
	default:
		return s, true
	}
}

// Equal reports whether a and b agree under mode. Empty values never agree.
func Equal(a, b any, mode types.MatchMode) bool {
	ka, ok := Key(a, mode)
	if !ok {
		return false
	}
	kb, ok := Key(b, mode)
	if !ok {
		return false
	}
	return ka == kb
}

// Fold lowercases s and strips combining marks, so "René" and "RENE" fold to "rene".
func Fold(s string) string {
	t := folders.Get().(transform.Transformer)
	defer folders.Put(t)

	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return lower.String(out)
}

// Text renders a stored value as a string. Nil, false and blank strings are empty.
func Text(value any) (string, bool) {
	var s string
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		s = v
	case *string:
		if v == nil {
			return "", false
		}
		s = *v
	case []byte:
		s = string(v)
	case bool:
		if !v {
			return "", false
		}
		s = "true"
	case int:
		s = strconv.Itoa(v)
	case int32:
		s = strconv.FormatInt(int64(v), 10)
	case int64:
		s = strconv.FormatInt(v, 10)
	case uint:
		s = strconv.FormatUint(uint64(v), 10)
	case uint64:
		s = strconv.FormatUint(v, 10)
	case float32:
		s = strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		if v.IsZero() {
			return "", false
		}
		s = v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		s = v.String()
	default:
		s = fmt.Sprint(v)
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// Truthy reports whether value counts as set for flag fields such as is_company.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "0", "f", "false", "no":
			return false
		}
		return true
	}
	_, ok := Text(value)
	return ok
}
