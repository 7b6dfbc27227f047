// Package deployer sequences build, upload, install, activation and restart
// of one service onto remote hosts, and rolls it back.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/config"
	"github.com/pseegers/mendel/tracking"
	"github.com/pseegers/mendel/utils"
)

// variant is the bundle-format specific half of a deploy.
type variant interface {
	upload(ctx context.Context, conn utils.Connection) (string, error)
	install(ctx context.Context, conn utils.Connection) error
}

// builder lets a variant replace the local build step.
type builder interface {
	build(ctx context.Context, conn utils.Connection) error
}

// builtChecker lets a variant decide whether the build already happened.
type builtChecker interface {
	alreadyBuilt(ctx context.Context) (bool, error)
}

// Options are the collaborators a Deployer is built with. Zero values get
// working defaults.
type Options struct {
	Dispatcher *tracking.Dispatcher
	HTTPClient *http.Client
	Resolver   ArtifactResolver
	Prompter   Prompter
	// Commit returns the full commit hash of the working copy.
	Commit func() (string, error)
	Now    func() time.Time
	RunID  string
	Out    io.Writer
}

func (o Options) withDefaults(cfg *config.ServiceConfig) Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Commit == nil {
		cwd := cfg.Cwd
		o.Commit = func() (string, error) { return utils.CommitHash(cwd) }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Prompter == nil {
		o.Prompter = NewStdinPrompter(os.Stdin, o.Out)
	}
	if o.Resolver == nil {
		o.Resolver = NewNexusResolver(cfg, o.HTTPClient)
	}
	return o
}

// Deployer drives one service through its lifecycle. A single Deployer is
// shared by every host of an invocation so host-independent work (build,
// publish, release identifier) happens once.
type Deployer struct {
	cfg      *config.ServiceConfig
	opts     Options
	variant  variant
	rollover RolloverStrategy

	// remote_jar release identifiers carry the artifact version
	versionedReleaseID bool

	buildMu   sync.Mutex
	publishMu sync.Mutex

	mu        sync.Mutex
	built     bool
	deployed  bool
	version   string
	pinned    string
	releaseID string
	commit    string
}

// New builds the Deployer for cfg.BundleType.
func New(cfg *config.ServiceConfig, opts Options) (*Deployer, error) {
	if cfg == nil || cfg.ServiceName == "" {
		return nil, fmt.Errorf("%w: a service name is required", common.ErrConfiguration)
	}
	d := &Deployer{cfg: cfg, opts: opts.withDefaults(cfg), rollover: symlinkRollover{}}

	switch cfg.BundleType {
	case common.BundleTarball:
		d.variant = &tarballBundle{d: d}
	case common.BundleJar:
		d.variant = &jarBundle{d: d}
	case common.BundleRemoteJar:
		d.variant = &remoteJarBundle{d: d}
		d.versionedReleaseID = true
	case common.BundleDeb:
		d.variant = &debBundle{d: d}
	case common.BundleRemoteDeb:
		d.variant = &remoteDebBundle{d: d}
		d.rollover = packageRollover{}
	default:
		return nil, fmt.Errorf("%w: unknown bundle_type %q", common.ErrConfiguration, cfg.BundleType)
	}
	common.DebugLog("deployer: %s using %s bundle, run %s", cfg.ServiceName, cfg.BundleType, d.opts.RunID)
	return d, nil
}

// Config returns the service description this Deployer works from.
func (d *Deployer) Config() *config.ServiceConfig { return d.cfg }

// RunID identifies this invocation in logs and history.
func (d *Deployer) RunID() string { return d.opts.RunID }

// PinVersion fixes the artifact version for this invocation.
func (d *Deployer) PinVersion(v string) {
	v = strings.TrimSpace(v)
	d.mu.Lock()
	d.version, d.pinned = v, v
	d.mu.Unlock()
	common.InfoLog("version was set to be %s", v)
}

// Version returns the pinned or resolved artifact version.
func (d *Deployer) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

func (d *Deployer) setVersion(v string) {
	d.mu.Lock()
	d.version = v
	d.mu.Unlock()
}

// Deploy runs the whole pipeline against one host. On failure a failure
// event is dispatched and the error is returned.
func (d *Deployer) Deploy(ctx context.Context, conn utils.Connection, version string) (err error) {
	defer func() {
		if err != nil {
			d.fail(ctx, conn, err)
		}
	}()

	if conn == nil || conn.Host().Name == "" {
		return fmt.Errorf("%w: you didn't specify any hosts with -H or configuration file", common.ErrConfiguration)
	}
	if v := strings.TrimSpace(version); v != "" {
		d.PinVersion(v)
	}
	if err := d.checkHealth(ctx); err != nil {
		return err
	}
	if err := d.Build(ctx, conn); err != nil {
		return err
	}
	if _, err := d.Upload(ctx, conn); err != nil {
		return err
	}
	if err := d.Install(ctx, conn); err != nil {
		return err
	}
	if err := d.startOrRestart(ctx, conn); err != nil {
		return err
	}
	d.track(ctx, conn, tracking.EventDeployed)
	return nil
}

// checkHealth requires the metrics host to answer 200 before anything is touched.
func (d *Deployer) checkHealth(ctx context.Context) error {
	host := d.cfg.GraphiteHost
	if host == "" {
		return fmt.Errorf("%w: graphite host is not present in mendel configuration or is not responsive", common.ErrEnvironment)
	}
	url := host
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrEnvironment, err)
	}
	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: graphite host %s is not responsive: %v", common.ErrEnvironment, host, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: graphite host %s answered HTTP %d", common.ErrEnvironment, host, resp.StatusCode)
	}
	common.InfoLog("graphite host is present in mendel configuration and responsive, proceeding with deployment")
	return nil
}

// Build produces the bundle locally, once per invocation.
func (d *Deployer) Build(ctx context.Context, conn utils.Connection) error {
	if b, ok := d.variant.(builder); ok {
		return b.build(ctx, conn)
	}

	d.buildMu.Lock()
	defer d.buildMu.Unlock()

	built, err := d.alreadyBuilt(ctx)
	if err != nil {
		return err
	}
	if built {
		return nil
	}
	d.mu.Lock()
	pinned := d.pinned
	d.mu.Unlock()
	if pinned != "" {
		return fmt.Errorf("%w: user required version %s to be deployed, but it wasn't available from remote source",
			common.ErrBuild, pinned)
	}

	var cmd string
	switch d.cfg.ProjectType {
	case common.ProjectJava:
		cmd = "mvn clean -U package"
	case common.ProjectPython:
		if d.cfg.BundleType != common.BundleTarball {
			return fmt.Errorf("%w: bundle type %s for project type %s",
				common.ErrUnsupportedCombination, d.cfg.BundleType, d.cfg.ProjectType)
		}
		cmd = "python setup.py sdist"
	default:
		return fmt.Errorf("%w: project type %s", common.ErrUnsupportedCombination, d.cfg.ProjectType)
	}

	common.InfoLog("building %s: %s", d.cfg.ServiceName, cmd)
	if _, err := conn.Local(ctx, cmd, utils.WithDir(d.cfg.Cwd)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBuild, err)
	}
	d.mu.Lock()
	d.built = true
	d.mu.Unlock()
	d.track(ctx, conn, tracking.EventBuilt)
	return nil
}

func (d *Deployer) alreadyBuilt(ctx context.Context) (bool, error) {
	if c, ok := d.variant.(builtChecker); ok {
		return c.alreadyBuilt(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.built, nil
}

// Upload ships the bundle and returns where it landed.
func (d *Deployer) Upload(ctx context.Context, conn utils.Connection) (string, error) {
	return d.variant.upload(ctx, conn)
}

// Install unpacks the uploaded bundle and activates it.
func (d *Deployer) Install(ctx context.Context, conn utils.Connection) error {
	if err := d.variant.install(ctx, conn); err != nil {
		return err
	}
	common.InfoLog("[%s] successfully installed new release of %s service", conn.Host().Name, d.cfg.ServiceName)
	return nil
}

// Rollback lets the operator pick an earlier release and activates it.
func (d *Deployer) Rollback(ctx context.Context, conn utils.Connection) (err error) {
	defer func() {
		if err != nil {
			d.fail(ctx, conn, err)
		}
	}()
	return d.rollover.Rollback(ctx, d, conn)
}

// Tail streams a service log to w. It needs exactly one target host.
func (d *Deployer) Tail(ctx context.Context, conns []utils.Connection, logName string, w io.Writer) error {
	if len(conns) != 1 {
		return fmt.Errorf("%w: tail works against exactly one host, got %d", common.ErrUsage, len(conns))
	}
	if logName == "" {
		logName = "output.log"
	}
	cmd := fmt.Sprintf("tail -f /var/log/%s/%s", d.cfg.ServiceName, logName)
	_, err := conns[0].Sudo(ctx, cmd, utils.AsUser(d.cfg.User), utils.Stream(w))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// LinkLatest points current at the most recently modified release.
func (d *Deployer) LinkLatest(ctx context.Context, conn utils.Connection) error {
	rel, err := d.latestRelease(ctx, conn)
	if err != nil {
		return err
	}
	common.InfoLog("[%s] linking release %s into current", conn.Host().Name, rel)
	return d.changeSymlinkTo(ctx, conn, d.rpath("releases", rel))
}

func (d *Deployer) commitHash() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.commit != "" {
		return d.commit, nil
	}
	c, err := d.opts.Commit()
	if err != nil {
		return "", err
	}
	c = strings.TrimSpace(c)
	if c == "" {
		return "", fmt.Errorf("%w: failed to obtain commit hash", common.ErrBuild)
	}
	d.commit = c
	return c, nil
}

func (d *Deployer) event(conn utils.Connection, kind string) tracking.Event {
	ev := tracking.Event{
		Kind:    kind,
		Service: d.cfg.TrackingName(),
		User:    d.cfg.DeploymentUser,
		Version: d.Version(),
		RunID:   d.opts.RunID,
		At:      d.opts.Now().UTC(),
	}
	if conn != nil {
		ev.Host = conn.Host().Name
	}
	if c, err := d.commitHash(); err == nil {
		ev.Commit = utils.ShortHash(c)
	}
	return ev
}

// track and fail still notify after ctx is cancelled (Ctrl-C, a sibling
// host failing under -parallel); each sink keeps its own timeout.
func (d *Deployer) track(ctx context.Context, conn utils.Connection, kind string) {
	d.opts.Dispatcher.Dispatch(context.WithoutCancel(ctx), d.event(conn, kind))
}

func (d *Deployer) fail(ctx context.Context, conn utils.Connection, cause error) {
	common.ErrorLog("%v", cause)
	common.ErrorLog("aborting deployment")
	ev := d.event(conn, tracking.EventFailed)
	ev.Failure = true
	ev.Message = cause.Error()
	d.opts.Dispatcher.Dispatch(context.WithoutCancel(ctx), ev)
}
