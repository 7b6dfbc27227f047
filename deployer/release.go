package deployer

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/utils"
)

const releaseTimeLayout = "20060102-150405"

// ReleaseID returns the release directory name for this invocation:
// {UTC timestamp}-{deployment user}-{commit}[-{version}]. It is computed once
// and shared by every host.
func (d *Deployer) ReleaseID(ctx context.Context) (string, error) {
	d.mu.Lock()
	id := d.releaseID
	d.mu.Unlock()
	if id != "" {
		return id, nil
	}

	commit, err := d.commitHash()
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.releaseID != "" {
		return d.releaseID, nil
	}
	id = fmt.Sprintf("%s-%s-%s", d.opts.Now().UTC().Format(releaseTimeLayout), d.cfg.DeploymentUser, commit)
	if d.versionedReleaseID {
		id += "-" + d.version
	}
	d.releaseID = id
	common.InfoLog("release directory set to %s", id)
	return id, nil
}

func (d *Deployer) rpath(parts ...string) string {
	return path.Join(append([]string{d.cfg.ServiceRoot}, parts...)...)
}

func (d *Deployer) lpath(parts ...string) string {
	return filepath.Join(append([]string{d.cfg.Cwd}, parts...)...)
}

func tpath(parts ...string) string {
	return path.Join(append([]string{"/tmp"}, parts...)...)
}

func (d *Deployer) exists(ctx context.Context, conn utils.Connection, p string) (bool, error) {
	res, err := conn.Run(ctx, "test -e "+p, utils.Warn())
	if err != nil {
		return false, err
	}
	return res.Ok(), nil
}

// createIfMissing makes p as the service user unless it already exists.
func (d *Deployer) createIfMissing(ctx context.Context, conn utils.Connection, p string) error {
	ok, err := d.exists(ctx, conn, p)
	if err != nil || ok {
		return err
	}
	_, err = conn.Sudo(ctx, "mkdir -p "+p, utils.AsUser(d.cfg.User))
	return err
}

// changeSymlinkTo retargets {root}/current in one step.
func (d *Deployer) changeSymlinkTo(ctx context.Context, conn utils.Connection, releasePath string) error {
	common.InfoLog("[%s] linking release %s into current", conn.Host().Name, releasePath)
	_, err := conn.Sudo(ctx, fmt.Sprintf("ln -sfT %s %s", releasePath, d.rpath("current")), utils.AsUser(d.cfg.User))
	return err
}

// currentRelease names the release current points at, or "" when there is
// no current link yet.
func (d *Deployer) currentRelease(ctx context.Context, conn utils.Connection) (string, error) {
	res, err := conn.Sudo(ctx, "readlink "+d.rpath("current"), utils.AsUser(d.cfg.User), utils.Warn())
	if err != nil {
		return "", err
	}
	target := strings.TrimSpace(res.Stdout)
	if !res.Ok() || target == "" {
		return "", nil
	}
	return path.Base(strings.TrimRight(target, "/")), nil
}

// allReleases lists the releases directory in lexicographic order.
func (d *Deployer) allReleases(ctx context.Context, conn utils.Connection) ([]string, error) {
	res, err := conn.Sudo(ctx, "ls -1 "+d.rpath("releases"), utils.AsUser(d.cfg.User))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	sort.Strings(out)
	return out, nil
}

// latestRelease is the most recently modified entry under releases.
func (d *Deployer) latestRelease(ctx context.Context, conn utils.Connection) (string, error) {
	dir := d.rpath("releases")
	res, err := conn.Run(ctx, "ls -lt "+dir)
	if err != nil {
		return "", err
	}
	// first line of ls -l is the "total" summary
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) < 2 {
		return "", fmt.Errorf("%w: no releases under %s", common.ErrArtifactNotFound, dir)
	}
	fields := strings.Fields(lines[1])
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: unexpected listing of %s", common.ErrArtifactNotFound, dir)
	}
	return fields[len(fields)-1], nil
}
