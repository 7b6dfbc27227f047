package deployer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/tracking"
	"github.com/pseegers/mendel/utils"
	"github.com/pseegers/mendel/utils/conntest"
)

func TestNewRejectsUnknownBundle(t *testing.T) {
	cfg := testConfig(t, "zip", common.ProjectJava)
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestReleaseIDIsMemoized(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleTarball, common.ProjectJava), Options{})
	calls := 0
	h.d.opts.Commit = func() (string, error) {
		calls++
		return testCommit, nil
	}

	first, err := h.d.ReleaseID(context.Background())
	require.NoError(t, err)
	second, err := h.d.ReleaseID(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testRelease, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestReleaseIDCommitFailure(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleTarball, common.ProjectJava), Options{
		Commit: func() (string, error) { return "", nil },
	})
	_, err := h.d.ReleaseID(context.Background())
	assert.ErrorIs(t, err, common.ErrBuild)
}

func TestCreateIfMissingIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleTarball, common.ProjectJava), Options{})
	f := conntest.New("host-01")
	conntest.NewDirs().Install(f)
	ctx := context.Background()

	require.NoError(t, h.d.createIfMissing(ctx, f, "/srv/svc/releases"))
	require.NoError(t, h.d.createIfMissing(ctx, f, "/srv/svc/releases"))

	assert.Equal(t, 1, f.Count("mkdir -p /srv/svc/releases"))
	for _, c := range f.Calls() {
		if c.Kind == conntest.KindSudo {
			assert.Equal(t, "svc", c.User)
		}
	}
}

func TestDeployTarballJava(t *testing.T) {
	cfg := testConfig(t, common.BundleTarball, common.ProjectJava)
	cfg.GraphiteHost = healthyGraphite(t)
	writeBuildFile(t, cfg, "svc-1.0.tar.gz")
	h := newHarness(t, cfg, Options{})

	f := systemdHost("host-01", "● svc.service\n   Active: active (running) since Tue")
	require.NoError(t, h.d.Deploy(context.Background(), f, ""))

	rel := "/srv/svc/releases/" + testRelease
	assert.Equal(t, []string{"mvn clean -U package"}, f.Commands(conntest.KindLocal))
	assert.Equal(t, 1, f.Count("mkdir -p "+rel))
	assert.Equal(t, 2, f.Count("mkdir -p"))
	assert.Equal(t, []string{cfg.Cwd + "/target/svc/svc-1.0.tar.gz -> /tmp"}, f.Commands(conntest.KindPut))

	cmds := f.Commands("")
	assert.Contains(t, cmds, "mv /tmp/svc-1.0.tar.gz "+rel)
	assert.Contains(t, cmds, "cd "+rel+" && sudo tar --strip-components 1 -zxvf svc-1.0.tar.gz && sudo rm svc-1.0.tar.gz")
	assert.Contains(t, cmds, "cd "+rel+" && sudo ln -sf *.jar svc.jar")
	assert.Equal(t, 1, f.Count("ln -sfT "+rel+" /srv/svc/current"))

	// one restart sequence, stop before start
	assert.Equal(t, 1, f.Count("systemctl stop svc"))
	assert.Equal(t, 1, f.Count("systemctl start svc"))
	assert.Less(t, indexOf(cmds, "ln -sfT"), indexOf(cmds, "systemctl stop svc"))
	assert.Less(t, indexOf(cmds, "systemctl stop svc"), indexOf(cmds, "systemctl start svc"))

	assert.Equal(t, []string{tracking.EventBuilt, tracking.EventDeployed}, h.sink.kinds())
	ev := h.sink.last()
	assert.Equal(t, "svc", ev.Service)
	assert.Equal(t, "jdoe", ev.User)
	assert.Equal(t, "host-01", ev.Host)
	assert.Equal(t, "f333c77", ev.Commit)
	assert.False(t, ev.Failure)
}

func TestDeployStartsStoppedService(t *testing.T) {
	cfg := testConfig(t, common.BundleTarball, common.ProjectJava)
	cfg.GraphiteHost = healthyGraphite(t)
	writeBuildFile(t, cfg, "svc-1.0.tar.gz")
	h := newHarness(t, cfg, Options{})

	f := systemdHost("host-01", "   Active: inactive (dead)")
	require.NoError(t, h.d.Deploy(context.Background(), f, ""))

	assert.Zero(t, f.Count("systemctl stop"))
	assert.Equal(t, 1, f.Count("systemctl start svc"))
}

func TestDeploySkipsServiceControlWhenDisabled(t *testing.T) {
	cfg := testConfig(t, common.BundleTarball, common.ProjectJava)
	cfg.GraphiteHost = healthyGraphite(t)
	cfg.UseUpstart = false
	writeBuildFile(t, cfg, "svc-1.0.tar.gz")
	h := newHarness(t, cfg, Options{})

	f := systemdHost("host-01", "active (running)")
	require.NoError(t, h.d.Deploy(context.Background(), f, ""))
	assert.Zero(t, f.Count("systemctl"))
	assert.Zero(t, f.Count("lsb_release"))
}

func TestDeployTarballPython(t *testing.T) {
	cfg := testConfig(t, common.BundleTarball, common.ProjectPython)
	cfg.GraphiteHost = healthyGraphite(t)
	writeBuildFile(t, cfg, "svc-0.1.tar.gz")
	h := newHarness(t, cfg, Options{})

	f := systemdHost("host-01", "inactive")
	f.OnStdout(conntest.KindSudo, "find . -maxdepth 1", "./svc\n")
	require.NoError(t, h.d.Deploy(context.Background(), f, ""))

	rel := "/srv/svc/releases/" + testRelease
	assert.Equal(t, []string{"python setup.py sdist"}, f.Commands(conntest.KindLocal))
	assert.Contains(t, f.Commands(conntest.KindSudo),
		"source /srv/svc/env/bin/activate && pip install --no-cache -r "+rel+"/svc.egg-info/requires.txt")
	for _, c := range f.Calls() {
		if strings.HasPrefix(c.Cmd, "find . -maxdepth 1") {
			assert.Equal(t, rel, c.Dir)
		}
	}
	assert.Equal(t, 1, f.Count("ln -sfT "+rel+"/svc /srv/svc/current"))
}

func TestDeployRequiresHost(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleTarball, common.ProjectJava), Options{})
	err := h.d.Deploy(context.Background(), conntest.New(""), "")
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestDeployFailsFastOnUnhealthyGraphite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(t, common.BundleTarball, common.ProjectJava)
	cfg.GraphiteHost = strings.TrimPrefix(srv.URL, "http://")
	writeBuildFile(t, cfg, "svc-1.0.tar.gz")
	h := newHarness(t, cfg, Options{})

	f := systemdHost("host-01", "active (running)")
	err := h.d.Deploy(context.Background(), f, "")
	require.ErrorIs(t, err, common.ErrEnvironment)
	assert.Empty(t, f.Calls())

	require.Equal(t, []string{tracking.EventFailed}, h.sink.kinds())
	assert.True(t, h.sink.last().Failure)
	assert.Contains(t, h.sink.last().Message, "graphite")
}

func TestDeployFailureNotifiesAfterCancel(t *testing.T) {
	var posts atomic.Int32
	r := chi.NewRouter()
	r.Post("/hook", func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	slack := httptest.NewServer(r)
	defer slack.Close()

	cfg := testConfig(t, common.BundleTarball, common.ProjectJava)
	cfg.GraphiteHost = healthyGraphite(t)
	h := newHarness(t, cfg, Options{
		Dispatcher: tracking.NewDispatcher(&tracking.SlackSink{URL: slack.URL + "/hook"}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.d.Deploy(ctx, systemdHost("host-01", ""), "")
	require.ErrorIs(t, err, common.ErrEnvironment)
	assert.Equal(t, int32(1), posts.Load())
}

func TestDeployWithoutGraphiteHost(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleTarball, common.ProjectJava), Options{})
	err := h.d.Deploy(context.Background(), systemdHost("host-01", ""), "")
	assert.ErrorIs(t, err, common.ErrEnvironment)
}

func TestDeployPinnedVersionUnavailable(t *testing.T) {
	cfg := testConfig(t, common.BundleTarball, common.ProjectJava)
	cfg.GraphiteHost = healthyGraphite(t)
	h := newHarness(t, cfg, Options{})

	f := systemdHost("host-01", "")
	err := h.d.Deploy(context.Background(), f, " 1.2.3 ")
	require.ErrorIs(t, err, common.ErrBuild)
	assert.Contains(t, err.Error(), "user required version 1.2.3")
	assert.Equal(t, "1.2.3", h.d.Version())
	assert.Empty(t, f.Commands(conntest.KindLocal))
}

func TestBuildUnsupportedCombination(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleJar, common.ProjectPython), Options{})
	err := h.d.Build(context.Background(), conntest.New("host-01"))
	assert.ErrorIs(t, err, common.ErrUnsupportedCombination)
	assert.ErrorIs(t, err, common.ErrBuild)
}

func TestBuildRunsOnce(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleJar, common.ProjectJava), Options{})
	f := conntest.New("host-01")
	ctx := context.Background()
	require.NoError(t, h.d.Build(ctx, f))
	require.NoError(t, h.d.Build(ctx, f))
	assert.Equal(t, 1, f.Count("mvn clean -U package"))
	assert.Equal(t, []string{tracking.EventBuilt}, h.sink.kinds())
}

func TestBuildFailureIsBuildError(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleJar, common.ProjectJava), Options{})
	f := conntest.New("host-01").On(conntest.KindLocal, "mvn", conntest.Fail(1, "BUILD FAILURE"))
	err := h.d.Build(context.Background(), f)
	assert.ErrorIs(t, err, common.ErrBuild)
	assert.Empty(t, h.sink.kinds())
}

func TestUploadMissingBundle(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleTarball, common.ProjectJava), Options{})
	_, err := h.d.Upload(context.Background(), conntest.New("host-01"))
	assert.ErrorIs(t, err, common.ErrArtifactNotFound)

	h = newHarness(t, testConfig(t, common.BundleJar, common.ProjectJava), Options{})
	_, err = h.d.Upload(context.Background(), conntest.New("host-01"))
	assert.ErrorIs(t, err, common.ErrArtifactNotFound)
}

func TestJarInstall(t *testing.T) {
	cfg := testConfig(t, common.BundleJar, common.ProjectJava)
	cfg.Group = "apps"
	writeBuildFile(t, cfg, "svc.jar")
	h := newHarness(t, cfg, Options{})
	f := conntest.New("host-01")
	conntest.NewDirs().Install(f)
	ctx := context.Background()

	id, err := h.d.Upload(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, testRelease, id)
	require.NoError(t, h.d.Install(ctx, f))

	rel := "/srv/svc/releases/" + testRelease
	cmds := f.Commands(conntest.KindSudo)
	assert.Contains(t, cmds, "mv /tmp/svc.jar "+rel)
	assert.Contains(t, cmds, "chown svc:apps "+rel+"/svc.jar")
	assert.Contains(t, cmds, "ln -sfT "+rel+" /srv/svc/current")
}

func TestDebInstallBacksUpCurrentOnce(t *testing.T) {
	cfg := testConfig(t, common.BundleDeb, common.ProjectJava)
	writeBuildFile(t, cfg, "svc_1.0_all.deb")
	h := newHarness(t, cfg, Options{})
	ctx := context.Background()

	f := conntest.New("host-01")
	dirs := conntest.NewDirs()
	dirs.Install(f)
	f.OnStdout(conntest.KindSudo, "readlink /srv/svc/current", "/srv/svc/releases/20231201-000000-jdoe-abc\n")
	f.OnStdout(conntest.KindRun, "ls -lt", "total 8\ndrwxr-xr-x 2 svc svc 4096 Jan  2 03:04 20240102-030405-jdoe-def\n")

	dest, err := h.d.Upload(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "/tmp", dest)
	require.NoError(t, h.d.Install(ctx, f))

	cmds := f.Commands(conntest.KindSudo)
	old := "/srv/svc/releases/20231201-000000-jdoe-abc"
	assert.Contains(t, cmds, "mv "+old+" "+old+".old")
	assert.Contains(t, cmds, "ln -sfT "+old+".old /srv/svc/current")
	assert.Contains(t, cmds, "dpkg --force-confold -i /tmp/svc_1.0_all.deb")
	assert.Contains(t, cmds, "ln -sfT /srv/svc/releases/20240102-030405-jdoe-def /srv/svc/current")
	assert.Less(t, indexOf(cmds, "mv "+old), indexOf(cmds, "dpkg"))

	// a second install finds the .old backup and leaves it alone
	f2 := conntest.New("host-01")
	conntest.NewDirs(old + ".old").Install(f2)
	f2.OnStdout(conntest.KindSudo, "readlink", old+"\n")
	f2.OnStdout(conntest.KindRun, "ls -lt", "total 8\ndrwxr-xr-x 2 svc svc 4096 Jan  2 03:04 x\n")
	require.NoError(t, h.d.Install(ctx, f2))
	assert.Zero(t, f2.Count("mv "+old))
}

func TestDebBackupSkipsWhenCurrentIsBackup(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleDeb, common.ProjectJava), Options{})
	f := conntest.New("host-01")
	f.OnStdout(conntest.KindSudo, "readlink", "/srv/svc/releases/abc.old\n")
	require.NoError(t, h.d.backupCurrentRelease(context.Background(), f))
	assert.Zero(t, f.Count("mv "))
	assert.Zero(t, f.Count("test -e"))
}

func TestDebBackupWithoutCurrent(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleDeb, common.ProjectJava), Options{})
	f := conntest.New("host-01").On(conntest.KindSudo, "readlink", conntest.Fail(1, ""))
	require.NoError(t, h.d.backupCurrentRelease(context.Background(), f))
	assert.Zero(t, f.Count("mv "))
}

func TestRemoteDebPublishOnceAndUpgrade(t *testing.T) {
	cfg := testConfig(t, common.BundleRemoteDeb, common.ProjectJava)
	h := newHarness(t, cfg, Options{})
	ctx := context.Background()

	f := conntest.New("host-01")
	require.NoError(t, h.d.Build(ctx, f))
	assert.Empty(t, f.Calls())

	for i := 0; i < 2; i++ {
		_, err := h.d.Upload(ctx, f)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"mvn clean -U deploy"}, f.Commands(conntest.KindLocal))

	require.NoError(t, h.d.Install(ctx, f))
	assert.Equal(t, []string{
		"apt-get update",
		`apt-get install -y --force-yes --only-upgrade -o Dpkg::Options::="--force-confold" svc`,
	}, f.Commands(conntest.KindSudo))
}

func TestRemoteDebInstallsPinnedVersion(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleRemoteDeb, common.ProjectJava), Options{})
	ctx := context.Background()
	h.d.PinVersion("1.4.0")

	f := conntest.New("host-01")
	require.NoError(t, h.d.Build(ctx, f))
	_, err := h.d.Upload(ctx, f)
	require.NoError(t, err)
	assert.Empty(t, f.Commands(conntest.KindLocal))

	require.NoError(t, h.d.Install(ctx, f))
	assert.Equal(t, []string{
		"apt-get update",
		`apt-get install -y --force-yes -o Dpkg::Options::="--force-confold" svc=1.4.0`,
	}, f.Commands(conntest.KindSudo))
}

func TestRemoteDebRejectsPython(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleRemoteDeb, common.ProjectPython), Options{})
	_, err := h.d.Upload(context.Background(), conntest.New("host-01"))
	assert.ErrorIs(t, err, common.ErrUnsupportedCombination)
}

func TestServiceControlRejectsUnknownCommand(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleJar, common.ProjectJava), Options{})
	f := conntest.New("host-01")
	_, err := h.d.ServiceControl(context.Background(), f, "reload")
	assert.ErrorIs(t, err, common.ErrInvalidCommand)
	assert.Empty(t, f.Calls())
}

func TestServiceControlFlavors(t *testing.T) {
	cases := []struct {
		release string
		want    string
	}{
		{"Release:\t18.04\n", "sudo systemctl restart svc --no-pager"},
		{"Release:\t16.04\n", "sudo systemctl restart svc --no-pager"},
		{"Release:\t14.04\n", "sudo service svc restart"},
		{"", "sudo service svc restart"},
	}
	for _, tc := range cases {
		t.Run(tc.want+" "+strings.TrimSpace(tc.release), func(t *testing.T) {
			h := newHarness(t, testConfig(t, common.BundleJar, common.ProjectJava), Options{})
			f := conntest.New("host-01").OnStdout(conntest.KindRun, "lsb_release", tc.release)
			_, err := h.d.ServiceControl(context.Background(), f, "restart")
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Commands(conntest.KindRun)[1])
		})
	}
}

func TestServiceStatusToleratesStoppedService(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleJar, common.ProjectJava), Options{})
	f := conntest.New("host-01").
		OnStdout(conntest.KindRun, "lsb_release", "Release:\t18.04").
		On(conntest.KindRun, "systemctl status", utils.Result{Stdout: "Active: inactive (dead)", ExitCode: 3})
	out, err := h.d.ServiceControl(context.Background(), f, "status")
	require.NoError(t, err)
	assert.False(t, ServiceRunning(out))
}

func TestServiceRunning(t *testing.T) {
	assert.True(t, ServiceRunning("svc start/running, process 1234"))
	assert.True(t, ServiceRunning("   Active: active (running) since Tue 2024-01-02"))
	assert.False(t, ServiceRunning("svc stop/waiting"))
	assert.False(t, ServiceRunning("   Active: inactive (dead)"))
	assert.False(t, ServiceRunning(""))
}

func TestTail(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleJar, common.ProjectJava), Options{})
	ctx := context.Background()

	err := h.d.Tail(ctx, []utils.Connection{conntest.New("a"), conntest.New("b")}, "", nil)
	assert.ErrorIs(t, err, common.ErrUsage)
	assert.Equal(t, 2, common.ExitCode(err))

	f := conntest.New("a").OnStdout(conntest.KindSudo, "tail -f", "line one\n")
	var out bytes.Buffer
	require.NoError(t, h.d.Tail(ctx, []utils.Connection{f}, "", &out))
	require.Len(t, f.Calls(), 1)
	assert.Equal(t, "tail -f /var/log/svc/output.log", f.Calls()[0].Cmd)
	assert.Equal(t, "svc", f.Calls()[0].User)
	assert.Equal(t, "line one\n", out.String())

	f = conntest.New("a")
	require.NoError(t, h.d.Tail(ctx, []utils.Connection{f}, "gc.log", &out))
	assert.Equal(t, "tail -f /var/log/svc/gc.log", f.Calls()[0].Cmd)
}

func TestLinkLatest(t *testing.T) {
	h := newHarness(t, testConfig(t, common.BundleTarball, common.ProjectJava), Options{})
	f := conntest.New("host-01").OnStdout(conntest.KindRun, "ls -lt /srv/svc/releases",
		"total 12\n"+
			"drwxr-xr-x 2 svc svc 4096 Jan  3 10:00 20240103-100000-jdoe-ccc\n"+
			"drwxr-xr-x 2 svc svc 4096 Jan  2 10:00 20240102-100000-jdoe-bbb\n")
	require.NoError(t, h.d.LinkLatest(context.Background(), f))
	assert.Equal(t, 1, f.Count("ln -sfT /srv/svc/releases/20240103-100000-jdoe-ccc /srv/svc/current"))

	empty := conntest.New("host-01").OnStdout(conntest.KindRun, "ls -lt", "total 0\n")
	assert.ErrorIs(t, h.d.LinkLatest(context.Background(), empty), common.ErrArtifactNotFound)
}

func TestTrackerFailuresNeverFailDeploy(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	cfg := testConfig(t, common.BundleTarball, common.ProjectJava)
	cfg.GraphiteHost = healthyGraphite(t)
	writeBuildFile(t, cfg, "svc-1.0.tar.gz")

	var panics atomic.Int32
	disp := tracking.NewDispatcher(
		&tracking.APISink{Endpoint: deadAddr},
		&tracking.SlackSink{URL: "http://" + deadAddr + "/hook"},
		panicSink{&panics},
	)
	h := newHarness(t, cfg, Options{Dispatcher: disp})

	f := systemdHost("host-01", "active (running)")
	require.NoError(t, h.d.Deploy(context.Background(), f, ""))
	assert.Equal(t, int32(2), panics.Load())
}

type panicSink struct{ n *atomic.Int32 }

func (panicSink) Name() string { return "panics" }

func (p panicSink) Track(context.Context, tracking.Event) error {
	p.n.Add(1)
	panic("sink exploded")
}
