// Package utils holds the remote execution port used by the deployer: a
// Connection to one host that can run commands as the login user, under sudo,
// locally on the workstation, and copy files up.
package utils

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pseegers/mendel/common"
)

// Result is the captured outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports a zero exit status.
func (r Result) Ok() bool { return r.ExitCode == 0 }

// CommandError is returned for a non-zero exit unless the call was made with Warn.
type CommandError struct {
	Host   string
	Cmd    string
	Result Result
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return fmt.Sprintf("%s: %q exited %d: %s", e.Host, e.Cmd, e.Result.ExitCode, msg)
}

// Connection is one deploy target plus the local workstation.
type Connection interface {
	// Host is the remote target this connection drives.
	Host() common.Host
	// Run executes cmd on the host as the login user.
	Run(ctx context.Context, cmd string, opts ...RunOption) (Result, error)
	// Sudo executes cmd on the host under sudo, optionally as another user.
	Sudo(ctx context.Context, cmd string, opts ...RunOption) (Result, error)
	// Local executes cmd on the workstation.
	Local(ctx context.Context, cmd string, opts ...RunOption) (Result, error)
	// Put copies a local file into remoteDir on the host.
	Put(ctx context.Context, localPath, remoteDir string) error
}

// RunOptions are the per-call knobs a RunOption can set.
type RunOptions struct {
	Dir    string
	User   string
	Warn   bool
	Stream io.Writer
}

// RunOption customizes a single command.
type RunOption func(*RunOptions)

// WithDir runs the command from dir.
func WithDir(dir string) RunOption { return func(o *RunOptions) { o.Dir = dir } }

// AsUser makes Sudo run as user instead of root.
func AsUser(user string) RunOption { return func(o *RunOptions) { o.User = user } }

// Warn returns a non-zero exit as a Result instead of an error.
func Warn() RunOption { return func(o *RunOptions) { o.Warn = true } }

// Stream copies stdout to w as it arrives.
func Stream(w io.Writer) RunOption { return func(o *RunOptions) { o.Stream = w } }

// ApplyOptions folds opts into a RunOptions value.
func ApplyOptions(opts []RunOption) RunOptions {
	var o RunOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// SudoCommand renders the sudo invocation for cmd.
func SudoCommand(cmd, user string) string {
	var b strings.Builder
	b.WriteString("sudo -S -p '' -H ")
	if user != "" {
		b.WriteString("-u ")
		b.WriteString(ShellQuote(user))
		b.WriteString(" ")
	}
	b.WriteString("/bin/bash -l -c ")
	b.WriteString(ShellQuote(cmd))
	return b.String()
}

// InDir prefixes cmd with a cd when dir is set.
func InDir(cmd, dir string) string {
	if dir == "" {
		return cmd
	}
	return "cd " + ShellQuote(dir) + " && " + cmd
}

func finish(host, cmd string, res Result, o RunOptions) (Result, error) {
	if res.Ok() || o.Warn {
		return res, nil
	}
	return res, &CommandError{Host: host, Cmd: cmd, Result: res}
}
