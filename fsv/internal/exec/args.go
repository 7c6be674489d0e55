package exec

import (
	"strings"

	"github.com/pkg/errors"
)

// MaxArgs is the maximum number of words SplitArgs accepts.
const MaxArgs = 32

var (
	ErrNoArgs         = errors.New("no words in command")
	ErrTooManyArgs    = errors.Errorf("too many words in command (max %d)", MaxArgs)
	ErrUnmatchedQuote = errors.New("unmatched double-quote")
)

// SplitArgs splits a command string into an argument list. Words are separated
// by whitespace. A word that starts with a double-quote extends up to the next
// double-quote, which also ends the word; there is no escaping. Quotes inside
// an unquoted word are kept literally.
func SplitArgs(s string) ([]string, error) {
	var args []string

	for i := 0; i < len(s); {
		if isSpace(s[i]) {
			i++
			continue
		}

		if len(args) == MaxArgs {
			return nil, ErrTooManyArgs
		}

		if s[i] == '"' {
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, ErrUnmatchedQuote
			}

			args = append(args, s[i+1:i+1+end])
			i += end + 2
			continue
		}

		start := i
		for i < len(s) && !isSpace(s[i]) {
			i++
		}

		args = append(args, s[start:i])
	}

	if len(args) == 0 {
		return nil, ErrNoArgs
	}

	return args, nil
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}
