package admin

import (
	"errors"
	"fmt"

	"github.com/agnivade/levenshtein"
	"github.com/steveyegge/dedup/internal/storage"
)

// ErrNotFound is returned when a config or group does not exist
var ErrNotFound = errors.New("not found")

// InputError reports a request the engine cannot act on as given
type InputError struct {
	Field      string
	Message    string
	Suggestion string
	Err        error
}

func (e *InputError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", e.Suggestion)
	}
	return msg
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// IsInputError reports whether err is, or wraps, an *InputError
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// notFound maps the store's missing-row errors onto ErrNotFound
func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrGroupNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// closest returns the candidate nearest to name by edit distance, or "" when
// nothing is close enough to be a plausible typo
func closest(name string, candidates []string) string {
	best, bestDist := "", -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(name, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if bestDist < 0 || bestDist > max(2, len(name)/3) {
		return ""
	}
	return best
}
