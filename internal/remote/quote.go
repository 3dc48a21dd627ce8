package remote

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

// Quote escapes one argument for the remote POSIX shell.
func Quote(arg string) string {
	return shellquote.Join(arg)
}

// Join quotes each argument and joins them into one command line.
func Join(args ...string) string {
	return shellquote.Join(args...)
}

// Chain joins commands with && so the first failure stops the rest.
func Chain(cmds ...string) string {
	return strings.Join(cmds, " && ")
}
