package deployer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/config"
	"github.com/pseegers/mendel/tracking"
	"github.com/pseegers/mendel/utils/conntest"
)

const (
	testCommit  = "f333c776c8cf9d56a4604ff29640326f50f00c19"
	testRelease = "20240102-030405-jdoe-" + testCommit
)

var testNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []tracking.Event
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Track(_ context.Context, ev tracking.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recordingSink) last() tracking.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type scriptedPrompter struct {
	mu      sync.Mutex
	answers []string
	asked   []string
	secrets []string
}

func (p *scriptedPrompter) PromptSecret(q string) (string, error) {
	p.mu.Lock()
	p.secrets = append(p.secrets, q)
	p.mu.Unlock()
	return p.next()
}

func (p *scriptedPrompter) Prompt(q string) (string, error) {
	p.mu.Lock()
	p.asked = append(p.asked, q)
	p.mu.Unlock()
	return p.next()
}

func (p *scriptedPrompter) next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.answers) == 0 {
		return "", nil
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

// healthyGraphite answers the pre-deploy probe.
func healthyGraphite(t *testing.T) string {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func testConfig(t *testing.T, bundle common.BundleType, project common.ProjectType) *config.ServiceConfig {
	t.Helper()
	return &config.ServiceConfig{
		ServiceName:    "svc",
		APIServiceName: "svc",
		ServiceRoot:    "/srv/svc",
		BuildTarget:    "target/svc",
		JarName:        "svc",
		User:           "svc",
		Group:          "svc",
		DeploymentUser: "jdoe",
		BundleType:     bundle,
		ProjectType:    project,
		Cwd:            t.TempDir(),
		UseUpstart:     true,
	}
}

type harness struct {
	d        *Deployer
	sink     *recordingSink
	prompter *scriptedPrompter
}

func newHarness(t *testing.T, cfg *config.ServiceConfig, opts Options) *harness {
	t.Helper()
	h := &harness{sink: &recordingSink{}, prompter: &scriptedPrompter{}}
	if opts.Dispatcher == nil {
		opts.Dispatcher = tracking.NewDispatcher(h.sink)
	}
	if opts.Prompter == nil {
		opts.Prompter = h.prompter
	}
	if opts.Commit == nil {
		opts.Commit = func() (string, error) { return testCommit, nil }
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	d, err := New(cfg, opts)
	require.NoError(t, err)
	h.d = d
	return h
}

func writeBuildFile(t *testing.T, cfg *config.ServiceConfig, name string) {
	t.Helper()
	dir := filepath.Join(cfg.Cwd, cfg.BuildTarget)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("bundle"), 0o644))
}

// systemdHost scripts a systemd host whose service reports status.
func systemdHost(name, status string) *conntest.Fake {
	f := conntest.New(name)
	conntest.NewDirs().Install(f)
	f.OnStdout(conntest.KindRun, "lsb_release", "Release:\t18.04\n")
	f.OnStdout(conntest.KindRun, "systemctl status", status)
	return f
}

func indexOf(cmds []string, substr string) int {
	for i, c := range cmds {
		if strings.Contains(c, substr) {
			return i
		}
	}
	return -1
}
