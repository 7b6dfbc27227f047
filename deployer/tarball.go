package deployer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/utils"
)

// tarballBundle ships a .tar.gz from the build target into a fresh release
// directory and unpacks it there.
type tarballBundle struct {
	d *Deployer
}

func (t *tarballBundle) bundleName() (string, error) {
	return newestMatch(t.d.lpath(t.d.cfg.BuildTarget), "*.tar.gz")
}

func (t *tarballBundle) upload(ctx context.Context, conn utils.Connection) (string, error) {
	name, err := t.bundleName()
	if err != nil {
		return "", err
	}
	return t.d.uploadToRelease(ctx, conn, name)
}

func (t *tarballBundle) install(ctx context.Context, conn utils.Connection) error {
	d := t.d
	name, err := t.bundleName()
	if err != nil {
		return err
	}
	id, err := d.ReleaseID(ctx)
	if err != nil {
		return err
	}
	rel := d.rpath("releases", id)

	if _, err := conn.Run(ctx, fmt.Sprintf("cd %s && sudo tar --strip-components 1 -zxvf %s && sudo rm %s", rel, name, name)); err != nil {
		return err
	}

	switch d.cfg.ProjectType {
	case common.ProjectJava:
		if _, err := conn.Run(ctx, fmt.Sprintf("cd %s && sudo ln -sf *.jar %s.jar", rel, d.cfg.ServiceName)); err != nil {
			return err
		}
		return d.changeSymlinkTo(ctx, conn, rel)

	case common.ProjectPython:
		// each command gets its own shell so the virtualenv is activated inline
		pip := fmt.Sprintf("source %s/env/bin/activate && pip install --no-cache -r %s/%s.egg-info/requires.txt",
			d.cfg.ServiceRoot, rel, d.cfg.ServiceName)
		if _, err := conn.Sudo(ctx, pip); err != nil {
			return err
		}
		res, err := conn.Sudo(ctx, "find . -maxdepth 1 -mindepth 1 -type d -not -regex '.*egg-info$'", utils.WithDir(rel))
		if err != nil {
			return err
		}
		projectDir := strings.TrimPrefix(firstLine(res.Stdout), "./")
		if projectDir == "" {
			return fmt.Errorf("%w: no project directory in %s", common.ErrArtifactNotFound, rel)
		}
		return d.changeSymlinkTo(ctx, conn, d.rpath("releases", id, projectDir))
	}
	return fmt.Errorf("%w: project type %s", common.ErrUnsupportedCombination, d.cfg.ProjectType)
}

// uploadToRelease creates the release directory and moves the local bundle
// into it through /tmp.
func (d *Deployer) uploadToRelease(ctx context.Context, conn utils.Connection, name string) (string, error) {
	if err := d.createIfMissing(ctx, conn, d.rpath("releases")); err != nil {
		return "", err
	}
	id, err := d.ReleaseID(ctx)
	if err != nil {
		return "", err
	}
	rel := d.rpath("releases", id)
	if err := d.createIfMissing(ctx, conn, rel); err != nil {
		return "", err
	}
	if err := conn.Put(ctx, d.lpath(d.cfg.BuildTarget, name), tpath()); err != nil {
		return "", err
	}
	if _, err := conn.Sudo(ctx, fmt.Sprintf("mv %s %s", tpath(name), rel)); err != nil {
		return "", err
	}
	common.InfoLog("[%s] uploaded new release of %s to %s", conn.Host().Name, name, id)
	return id, nil
}

// newestMatch returns the most recently modified file in dir matching pattern.
func newestMatch(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", err
	}
	var best string
	var bestMod int64
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || fi.IsDir() {
			continue
		}
		if mod := fi.ModTime().UnixNano(); best == "" || mod > bestMod {
			best, bestMod = filepath.Base(m), mod
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: couldn't find %s bundle in build_target_path %s", common.ErrArtifactNotFound, pattern, dir)
	}
	return best, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
