package deployer

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/config"
)

// LatestVersion asks the resolver to take the newest published version from
// the repository's maven-metadata.xml.
const LatestVersion = "latest"

const (
	pomNamespace  = "http://maven.apache.org/POM/4.0.0"
	probeTimeout  = 3 * time.Second
	metadataLimit = 1 << 20
)

// ArtifactResolver maps project metadata plus a requested version onto a
// concrete artifact URL in the remote repository.
type ArtifactResolver interface {
	// Resolve returns the artifact URL and the concrete version it names.
	// pinned may be empty (use the declared version) or LatestVersion.
	Resolve(ctx context.Context, pinned string) (url, version string, err error)
	// Exists probes url with a lightweight HEAD request.
	Exists(ctx context.Context, url string) (bool, error)
}

type pomProject struct {
	XMLName xml.Name `xml:"http://maven.apache.org/POM/4.0.0 project"`
	GroupID string   `xml:"groupId"`
	Version string   `xml:"version"`
	Parent  struct {
		GroupID string `xml:"groupId"`
		Version string `xml:"version"`
	} `xml:"parent"`
}

type mavenMetadata struct {
	Versioning struct {
		Latest   string   `xml:"latest"`
		Release  string   `xml:"release"`
		Versions []string `xml:"versions>version"`
	} `xml:"versioning"`
}

// NexusResolver resolves jars hosted in a Nexus (maven2 layout) repository.
type NexusResolver struct {
	cfg    *config.ServiceConfig
	client *http.Client
}

// NewNexusResolver returns a resolver reading pom.xml from the service cwd.
func NewNexusResolver(cfg *config.ServiceConfig, client *http.Client) *NexusResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &NexusResolver{cfg: cfg, client: client}
}

func (n *NexusResolver) Resolve(ctx context.Context, pinned string) (string, string, error) {
	pom, err := n.readPOM()
	if err != nil {
		return "", "", err
	}
	base := n.baseURL(pom)

	version := strings.TrimSpace(pinned)
	switch version {
	case "":
		version = strings.TrimSpace(pom.Version)
		if version == "" {
			version = strings.TrimSpace(pom.Parent.Version)
		}
		if version == "" {
			return "", "", fmt.Errorf("%w: pom.xml declares no version", common.ErrConfiguration)
		}
		common.InfoLog("setting project version to %s from pom.xml", version)
	case LatestVersion:
		version, err = n.latestVersion(ctx, base)
		if err != nil {
			return "", "", err
		}
		common.InfoLog("setting project version to %s from nexus", version)
	}

	name := n.cfg.JarName + "-" + version
	if n.cfg.Classifier != "" {
		name += "-" + n.cfg.Classifier
	}
	return base + "/" + version + "/" + name + ".jar", version, nil
}

func (n *NexusResolver) Exists(ctx context.Context, url string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (n *NexusResolver) readPOM() (*pomProject, error) {
	p := filepath.Join(n.cfg.Cwd, "pom.xml")
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", common.ErrConfiguration, p, err)
	}
	var pom pomProject
	if err := xml.Unmarshal(b, &pom); err != nil {
		return nil, fmt.Errorf("%w: %s is not a %s project: %v", common.ErrConfiguration, p, pomNamespace, err)
	}
	if pom.GroupID == "" {
		pom.GroupID = pom.Parent.GroupID
	}
	if pom.GroupID == "" {
		return nil, fmt.Errorf("%w: %s declares no groupId", common.ErrConfiguration, p)
	}
	return &pom, nil
}

// baseURL is {repository}/{group/as/path}/{jar_name}.
func (n *NexusResolver) baseURL(pom *pomProject) string {
	repo := strings.TrimSuffix(n.cfg.NexusRepository, "/")
	u := repo + "/" + strings.ReplaceAll(strings.TrimSpace(pom.GroupID), ".", "/") + "/" + n.cfg.JarName
	if !strings.HasPrefix(u, "http") {
		u = "http://" + u
	}
	return u
}

func (n *NexusResolver) latestVersion(ctx context.Context, base string) (string, error) {
	url := base + "/maven-metadata.xml"
	common.InfoLog("finding latest version from nexus: %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch %s: %v", common.ErrArtifactNotFound, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: fetch %s: HTTP %d", common.ErrArtifactNotFound, url, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, metadataLimit))
	if err != nil {
		return "", err
	}
	return pickLatest(b)
}

// pickLatest reads latest, then release, then the highest parseable entry
// of the versions list.
func pickLatest(b []byte) (string, error) {
	var meta mavenMetadata
	if err := xml.Unmarshal(b, &meta); err != nil {
		return "", fmt.Errorf("%w: malformed maven-metadata.xml: %v", common.ErrArtifactNotFound, err)
	}
	v := meta.Versioning
	if s := strings.TrimSpace(v.Latest); s != "" {
		return s, nil
	}
	if s := strings.TrimSpace(v.Release); s != "" {
		return s, nil
	}

	var best *semver.Version
	var bestRaw string
	for _, raw := range v.Versions {
		sv, err := semver.NewVersion(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if best == nil || sv.GreaterThan(best) {
			best, bestRaw = sv, strings.TrimSpace(raw)
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: maven-metadata.xml lists no usable version", common.ErrArtifactNotFound)
	}
	return bestRaw, nil
}
