// Package conntest provides a scripted, recording utils.Connection for tests.
package conntest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/utils"
)

// Call kinds.
const (
	KindRun   = "run"
	KindSudo  = "sudo"
	KindLocal = "local"
	KindPut   = "put"
)

// Call is one recorded command.
type Call struct {
	Kind string
	Cmd  string
	User string
	Dir  string
}

func (c Call) String() string {
	var b strings.Builder
	b.WriteString(c.Kind)
	if c.User != "" {
		b.WriteString("(" + c.User + ")")
	}
	b.WriteString(": ")
	if c.Dir != "" {
		b.WriteString("[" + c.Dir + "] ")
	}
	b.WriteString(c.Cmd)
	return b.String()
}

type rule struct {
	kind    string
	contain string
	respond func(Call) utils.Result
}

// Fake records every call and answers from rules registered with On/OnFunc.
// Unmatched commands succeed with empty output.
type Fake struct {
	mu    sync.Mutex
	host  common.Host
	rules []rule
	calls []Call
}

// New returns a Fake for host on port 22.
func New(host string) *Fake {
	return &Fake{host: common.Host{Name: host, Port: 22}}
}

// On answers calls of kind ("" for any) whose command contains substr.
// Later rules take precedence over earlier ones.
func (f *Fake) On(kind, substr string, res utils.Result) *Fake {
	return f.OnFunc(kind, substr, func(Call) utils.Result { return res })
}

// OnStdout is On with a successful result carrying stdout.
func (f *Fake) OnStdout(kind, substr, stdout string) *Fake {
	return f.On(kind, substr, utils.Result{Stdout: stdout})
}

// OnFunc is On with a computed result.
func (f *Fake) OnFunc(kind, substr string, fn func(Call) utils.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{kind: kind, contain: substr, respond: fn})
	return f
}

// Calls returns a copy of everything recorded so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the command strings recorded for kind ("" for all).
func (f *Fake) Commands(kind string) []string {
	var out []string
	for _, c := range f.Calls() {
		if kind == "" || c.Kind == kind {
			out = append(out, c.Cmd)
		}
	}
	return out
}

// Count returns how many recorded commands contain substr.
func (f *Fake) Count(substr string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.Contains(c.Cmd, substr) {
			n++
		}
	}
	return n
}

func (f *Fake) Host() common.Host { return f.host }

func (f *Fake) Run(ctx context.Context, cmd string, opts ...utils.RunOption) (utils.Result, error) {
	return f.do(KindRun, cmd, opts)
}

func (f *Fake) Sudo(ctx context.Context, cmd string, opts ...utils.RunOption) (utils.Result, error) {
	return f.do(KindSudo, cmd, opts)
}

func (f *Fake) Local(ctx context.Context, cmd string, opts ...utils.RunOption) (utils.Result, error) {
	return f.do(KindLocal, cmd, opts)
}

func (f *Fake) Put(ctx context.Context, localPath, remoteDir string) error {
	_, err := f.do(KindPut, localPath+" -> "+remoteDir, nil)
	return err
}

func (f *Fake) do(kind, cmd string, opts []utils.RunOption) (utils.Result, error) {
	o := utils.ApplyOptions(opts)
	call := Call{Kind: kind, Cmd: cmd, User: o.User, Dir: o.Dir}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	var respond func(Call) utils.Result
	for i := len(f.rules) - 1; i >= 0; i-- {
		r := f.rules[i]
		if (r.kind == "" || r.kind == kind) && strings.Contains(cmd, r.contain) {
			respond = r.respond
			break
		}
	}
	f.mu.Unlock()

	var res utils.Result
	if respond != nil {
		res = respond(call)
	}
	if o.Stream != nil && res.Stdout != "" {
		_, _ = io.WriteString(o.Stream, res.Stdout)
	}
	if !res.Ok() && !o.Warn {
		return res, &utils.CommandError{Host: f.host.Name, Cmd: cmd, Result: res}
	}
	return res, nil
}

// Fail is a convenience result with a non-zero exit.
func Fail(code int, stderr string) utils.Result {
	return utils.Result{ExitCode: code, Stderr: stderr}
}

var _ utils.Connection = (*Fake)(nil)

// Dirs simulates directory existence for `test -e` and `mkdir -p` so
// idempotent directory creation can be observed.
type Dirs struct {
	mu   sync.Mutex
	have map[string]bool
}

// NewDirs returns an empty simulated filesystem.
func NewDirs(existing ...string) *Dirs {
	d := &Dirs{have: map[string]bool{}}
	for _, p := range existing {
		d.have[p] = true
	}
	return d
}

// Install wires the simulation into f.
func (d *Dirs) Install(f *Fake) {
	f.OnFunc("", "test -e ", func(c Call) utils.Result {
		p := strings.TrimSpace(strings.TrimPrefix(c.Cmd, "test -e "))
		if d.Has(p) {
			return utils.Result{}
		}
		return utils.Result{ExitCode: 1}
	})
	f.OnFunc("", "mkdir -p ", func(c Call) utils.Result {
		p := strings.TrimSpace(strings.TrimPrefix(c.Cmd, "mkdir -p "))
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.have[p] {
			return utils.Result{}
		}
		d.have[p] = true
		return utils.Result{}
	})
}

// Has reports whether p was created or pre-seeded.
func (d *Dirs) Has(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.have[p]
}

func (d *Dirs) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("%v", d.have)
}
