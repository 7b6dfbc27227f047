package deployer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/term"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/tracking"
	"github.com/pseegers/mendel/utils"
)

// CurrentMarker flags the active entry in a rollback listing.
const CurrentMarker = " <-- current"

// Candidate is one rollback target and how it is shown to the operator.
type Candidate struct {
	ID    string
	Label string
}

// Selection is a computed rollback menu.
type Selection struct {
	Candidates []Candidate
	// Display is the listing with the current entry flagged.
	Display []string
	// Current is the index of the active entry, -1 when it is not listed.
	Current int
	// Default is the entry just before Current, clamped to the first entry.
	Default string
	current string
}

// NewSelection builds the rollback menu for candidates given the active ID.
func NewSelection(candidates []Candidate, current string) Selection {
	s := Selection{Candidates: candidates, Current: -1, current: current}
	for i, c := range candidates {
		label := c.Label
		if label == "" {
			label = c.ID
		}
		if c.ID == current {
			label += CurrentMarker
			s.Current = i
		}
		s.Display = append(s.Display, label)
	}
	if len(candidates) > 0 {
		idx := s.Current - 1
		if idx < 0 {
			idx = 0
		}
		s.Default = candidates[idx].ID
	}
	return s
}

// IDs builds candidates labelled with their own ID.
func IDs(ids []string) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, Candidate{ID: id})
	}
	return out
}

// Validate rejects the active entry and anything not on the menu.
func (s Selection) Validate(choice string) (string, error) {
	if choice == s.current {
		return "", fmt.Errorf("%w: can't rollback to same version that is already deployed (%s)",
			common.ErrInvalidSelection, choice)
	}
	for _, c := range s.Candidates {
		if c.ID == choice {
			return choice, nil
		}
	}
	return "", fmt.Errorf("%w: %s", common.ErrInvalidSelection, choice)
}

// Choose validates an operator answer. An empty answer takes the default.
func (s Selection) Choose(answer string) (string, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = s.Default
	}
	return s.Validate(answer)
}

// Prompter asks the operator a question.
type Prompter interface {
	Prompt(question string) (string, error)
}

// SecretPrompter is a Prompter that can ask without echoing the answer.
type SecretPrompter interface {
	Prompter
	PromptSecret(question string) (string, error)
}

// promptSecret asks through PromptSecret when p supports it.
func promptSecret(p Prompter, question string) (string, error) {
	if sp, ok := p.(SecretPrompter); ok {
		return sp.PromptSecret(question)
	}
	return p.Prompt(question)
}

// StdinPrompter reads answers line by line.
type StdinPrompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

// NewStdinPrompter prompts on out and reads from in.
func NewStdinPrompter(in io.Reader, out io.Writer) *StdinPrompter {
	p := &StdinPrompter{in: bufio.NewReader(in), out: out}
	if f, ok := in.(interface{ Fd() uintptr }); ok && term.IsTerminal(int(f.Fd())) {
		p.fd, p.tty = int(f.Fd()), true
	}
	return p
}

func (p *StdinPrompter) Prompt(question string) (string, error) {
	fmt.Fprint(p.out, question)
	return p.readLine()
}

// PromptSecret turns off echo when in is a terminal. Piped input is read as a plain line.
func (p *StdinPrompter) PromptSecret(question string) (string, error) {
	fmt.Fprint(p.out, question)
	if !p.tty {
		return p.readLine()
	}
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (p *StdinPrompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// RolloverStrategy moves a host back to an earlier release.
type RolloverStrategy interface {
	Rollback(ctx context.Context, d *Deployer, conn utils.Connection) error
}

// symlinkRollover retargets current at an earlier release directory.
type symlinkRollover struct{}

func (symlinkRollover) Rollback(ctx context.Context, d *Deployer, conn utils.Connection) error {
	releases, err := d.allReleases(ctx, conn)
	if err != nil {
		return err
	}
	if len(releases) <= 1 {
		return fmt.Errorf("%w: only %d release available, nothing to rollback to", common.ErrInvalidSelection, len(releases))
	}
	current, err := d.currentRelease(ctx, conn)
	if err != nil {
		return err
	}

	sel := NewSelection(IDs(releases), current)
	choice, err := d.ask(sel)
	if err != nil {
		return err
	}

	if err := d.changeSymlinkTo(ctx, conn, d.rpath("releases", choice)); err != nil {
		return err
	}
	if err := d.startOrRestart(ctx, conn); err != nil {
		return err
	}
	common.InfoLog("[%s] successfully rolled back %s to %s", conn.Host().Name, d.cfg.ServiceName, choice)
	d.track(ctx, conn, tracking.EventRolledBack)
	return nil
}

func (d *Deployer) ask(sel Selection) (string, error) {
	for _, line := range sel.Display {
		fmt.Fprintln(d.opts.Out, line)
	}
	answer, err := d.opts.Prompter.Prompt(fmt.Sprintf("Rollback to [%s]: ", sel.Default))
	if err != nil {
		return "", err
	}
	return sel.Choose(answer)
}
