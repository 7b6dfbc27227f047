package deployer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/config"
	"github.com/pseegers/mendel/utils/conntest"
)

const testPOM = `<?xml version="1.0" encoding="UTF-8"?>
<project xmlns="http://maven.apache.org/POM/4.0.0">
  <modelVersion>4.0.0</modelVersion>
  <groupId>com.example.platform</groupId>
  <artifactId>svc</artifactId>
  <version>1.0.2</version>
</project>`

const parentPOM = `<project xmlns="http://maven.apache.org/POM/4.0.0">
  <parent>
    <groupId>com.example</groupId>
    <version>3.1.0</version>
  </parent>
  <artifactId>svc</artifactId>
</project>`

func writePOM(t *testing.T, cfg *config.ServiceConfig, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Cwd, "pom.xml"), []byte(body), 0o644))
}

// nexusServer serves one artifact tree and counts HEAD probes.
type nexusServer struct {
	url      string
	heads    atomic.Int32
	metadata string
	present  map[string]bool
}

func newNexusServer(t *testing.T) *nexusServer {
	t.Helper()
	n := &nexusServer{present: map[string]bool{}}
	r := chi.NewRouter()
	r.Head("/*", func(w http.ResponseWriter, req *http.Request) {
		n.heads.Add(1)
		if n.present[req.URL.Path] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/repo/com/example/platform/svc/maven-metadata.xml", func(w http.ResponseWriter, _ *http.Request) {
		if n.metadata == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(n.metadata))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	n.url = srv.URL
	return n
}

func TestResolveDeclaredVersion(t *testing.T) {
	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	cfg.NexusRepository = "nexus.example.com/repo/"
	writePOM(t, cfg, testPOM)

	url, version, err := NewNexusResolver(cfg, nil).Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.2", version)
	assert.Equal(t, "http://nexus.example.com/repo/com/example/platform/svc/1.0.2/svc-1.0.2.jar", url)
}

func TestResolveClassifierAndPinned(t *testing.T) {
	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	cfg.NexusRepository = "https://nexus.example.com/repo"
	cfg.Classifier = "shaded"
	writePOM(t, cfg, testPOM)

	url, version, err := NewNexusResolver(cfg, nil).Resolve(context.Background(), "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", version)
	assert.Equal(t, "https://nexus.example.com/repo/com/example/platform/svc/2.0.0/svc-2.0.0-shaded.jar", url)
}

func TestResolveParentCoordinates(t *testing.T) {
	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	cfg.NexusRepository = "nexus/repo"
	writePOM(t, cfg, parentPOM)

	url, version, err := NewNexusResolver(cfg, nil).Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", version)
	assert.Equal(t, "http://nexus/repo/com/example/svc/3.1.0/svc-3.1.0.jar", url)
}

func TestResolveMissingPOM(t *testing.T) {
	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	_, _, err := NewNexusResolver(cfg, nil).Resolve(context.Background(), "")
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestResolveLatestFromMetadata(t *testing.T) {
	n := newNexusServer(t)
	n.metadata = `<metadata><versioning><latest>1.4.0</latest><release>1.3.9</release></versioning></metadata>`

	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	cfg.NexusRepository = n.url + "/repo"
	writePOM(t, cfg, testPOM)

	url, version, err := NewNexusResolver(cfg, nil).Resolve(context.Background(), LatestVersion)
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", version)
	assert.True(t, strings.HasSuffix(url, "/com/example/platform/svc/1.4.0/svc-1.4.0.jar"))
}

func TestResolveLatestWithoutMetadata(t *testing.T) {
	n := newNexusServer(t)
	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	cfg.NexusRepository = n.url + "/repo"
	writePOM(t, cfg, testPOM)

	_, _, err := NewNexusResolver(cfg, nil).Resolve(context.Background(), LatestVersion)
	assert.ErrorIs(t, err, common.ErrArtifactNotFound)
}

func TestPickLatest(t *testing.T) {
	v, err := pickLatest([]byte(`<metadata><versioning><release>2.1.0</release></versioning></metadata>`))
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", v)

	v, err = pickLatest([]byte(`<metadata><versioning><versions>
		<version>1.9.0</version><version>1.10.0</version><version>not-a-version</version><version>1.2.0</version>
	</versions></versioning></metadata>`))
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", v)

	_, err = pickLatest([]byte(`<metadata><versioning/></metadata>`))
	assert.ErrorIs(t, err, common.ErrArtifactNotFound)

	_, err = pickLatest([]byte(`<metadata`))
	assert.ErrorIs(t, err, common.ErrArtifactNotFound)
}

func TestAlreadyDeployedCachesPositiveProbe(t *testing.T) {
	n := newNexusServer(t)
	n.present["/repo/com/example/platform/svc/1.0.2/svc-1.0.2.jar"] = true

	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	cfg.NexusRepository = n.url + "/repo"
	writePOM(t, cfg, testPOM)
	h := newHarness(t, cfg, Options{})
	r := h.d.variant.(*remoteJarBundle)

	for i := 0; i < 3; i++ {
		ok, err := h.d.alreadyDeployed(context.Background(), r)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), n.heads.Load())
}

func TestAlreadyDeployedProbeErrorMeansMissing(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	cfg.NexusRepository = dead.URL + "/repo"
	writePOM(t, cfg, testPOM)
	h := newHarness(t, cfg, Options{})

	ok, err := h.d.alreadyDeployed(context.Background(), h.d.variant.(*remoteJarBundle))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteJarSkipsBuildWhenPublished(t *testing.T) {
	n := newNexusServer(t)
	n.present["/repo/com/example/platform/svc/1.0.2/svc-1.0.2.jar"] = true

	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	cfg.NexusRepository = n.url + "/repo"
	writePOM(t, cfg, testPOM)
	h := newHarness(t, cfg, Options{})
	ctx := context.Background()

	f := conntest.New("host-01")
	conntest.NewDirs().Install(f)
	require.NoError(t, h.d.Build(ctx, f))
	_, err := h.d.Upload(ctx, f)
	require.NoError(t, err)
	require.NoError(t, h.d.Install(ctx, f))

	assert.Empty(t, f.Commands(conntest.KindLocal))
	assert.Empty(t, h.sink.kinds())

	rel := "/srv/svc/releases/" + testRelease + "-1.0.2"
	sudo := f.Commands(conntest.KindSudo)
	assert.Contains(t, sudo, "wget "+n.url+"/repo/com/example/platform/svc/1.0.2/svc-1.0.2.jar --directory-prefix="+rel)
	assert.Contains(t, sudo, "mv "+rel+"/*.jar "+rel+"/svc.jar")
	assert.Contains(t, sudo, "chown svc:svc "+rel+"/svc.jar")
	assert.Contains(t, sudo, "ln -sfT "+rel+" /srv/svc/current")
	assert.Less(t, indexOf(sudo, "wget"), indexOf(sudo, "chown"))
}

func TestRemoteJarBuildsAndPublishesOnce(t *testing.T) {
	n := newNexusServer(t)
	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	cfg.NexusRepository = n.url + "/repo"
	writePOM(t, cfg, testPOM)
	h := newHarness(t, cfg, Options{})
	ctx := context.Background()

	f := conntest.New("host-01")
	require.NoError(t, h.d.Build(ctx, f))
	for i := 0; i < 2; i++ {
		_, err := h.d.Upload(ctx, f)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"mvn clean -U package", "mvn deploy"}, f.Commands(conntest.KindLocal))
}

func TestRemoteJarPinnedVersionMissing(t *testing.T) {
	n := newNexusServer(t)
	cfg := testConfig(t, common.BundleRemoteJar, common.ProjectJava)
	cfg.NexusRepository = n.url + "/repo"
	writePOM(t, cfg, testPOM)
	h := newHarness(t, cfg, Options{})
	h.d.PinVersion("9.9.9")

	err := h.d.Build(context.Background(), conntest.New("host-01"))
	require.ErrorIs(t, err, common.ErrBuild)
	assert.Contains(t, err.Error(), "9.9.9")
}
