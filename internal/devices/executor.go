// Package devices detects the RF and transponder tools attached to the host
// and runs their vendor CLIs behind a command allow-list.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"unicode"
)

var (
	// ErrNotAllowed is returned for a command outside the allow-list.
	ErrNotAllowed = errors.New("devices: command not allowed")
	// ErrUnsupported is returned when a device lacks a capability.
	ErrUnsupported = errors.New("devices: unsupported operation")
)

// Result is the outcome of one tool invocation.
type Result struct {
	Success bool   `json:"success" yaml:"success"`
	Output  string `json:"output" yaml:"output"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Executor runs a vendor tool command line.
type Executor interface {
	Run(ctx context.Context, command string) Result
}

// DefaultAllowed are the tool prefixes ShellExecutor accepts.
var DefaultAllowed = []string{"hackrf_", "rtl_", "pm3", "nfc-"}

// ShellExecutor runs allow-listed tools directly, without a shell.
type ShellExecutor struct {
	Allowed []string // nil uses DefaultAllowed
}

// Run splits command into arguments and executes it. Commands whose
// program does not start with an allowed prefix, or that contain shell
// metacharacters, are refused before anything is spawned.
func (e ShellExecutor) Run(ctx context.Context, command string) Result {
	args, err := e.Check(command)
	if err != nil {
		return Result{Error: err.Error()}
	}
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		log.Printf("[devices] %s: %v", args[0], err)
		return Result{Output: string(out), Error: fmt.Sprintf("failed to execute %s: %v", args[0], err)}
	}
	return Result{Success: true, Output: string(out)}
}

// Check validates command against the allow-list and returns its
// arguments.
func (e ShellExecutor) Check(command string) ([]string, error) {
	if strings.ContainsAny(command, ";&|`$<>\n\\") {
		return nil, fmt.Errorf("%w: shell metacharacters in %q", ErrNotAllowed, command)
	}
	args, err := splitArgs(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrNotAllowed)
	}
	allowed := e.Allowed
	if allowed == nil {
		allowed = DefaultAllowed
	}
	for _, p := range allowed {
		if strings.HasPrefix(args[0], p) {
			return args, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotAllowed, args[0])
}

// splitArgs splits on whitespace, honoring single and double quotes.
func splitArgs(s string) ([]string, error) {
	var (
		args  []string
		cur   strings.Builder
		quote rune
		inArg bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case unicode.IsSpace(r):
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated quote", ErrNotAllowed)
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
