package shell

import (
	"errors"
	"fmt"

	"github.com/google/shlex"
)

// ErrBadQuoting is returned by Split for an unclosed quote or a trailing
// backslash.
var ErrBadQuoting = errors.New("malformed quoting in command")

// Split tokenizes a command line into words without invoking a shell,
// following POSIX shell quoting: single and double quotes group words, a
// backslash escapes the next character outside single quotes, and a word
// starting with # begins a comment. No expansion of any kind is performed.
func Split(command string) ([]string, error) {
	words, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQuoting, err)
	}
	if len(words) == 0 {
		return nil, nil
	}
	return words, nil
}
