package deployer

import (
	"context"
	"fmt"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/utils"
)

// remoteJarBundle publishes the jar to nexus once and has every host
// download it from there.
type remoteJarBundle struct {
	d *Deployer
}

// artifactURL resolves the nexus URL, recording the concrete version.
func (r *remoteJarBundle) artifactURL(ctx context.Context) (string, error) {
	url, version, err := r.d.opts.Resolver.Resolve(ctx, r.d.Version())
	if err != nil {
		return "", err
	}
	r.d.setVersion(version)
	return url, nil
}

// alreadyBuilt is true once the artifact is in the repository.
func (r *remoteJarBundle) alreadyBuilt(ctx context.Context) (bool, error) {
	return r.d.alreadyDeployed(ctx, r)
}

func (r *remoteJarBundle) upload(ctx context.Context, conn utils.Connection) (string, error) {
	d := r.d
	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	deployed, err := d.alreadyDeployed(ctx, r)
	if err != nil {
		return "", err
	}
	if deployed {
		return "", nil
	}
	if d.cfg.ProjectType != common.ProjectJava {
		return "", fmt.Errorf("%w: project type %s cannot publish a remote jar",
			common.ErrUnsupportedCombination, d.cfg.ProjectType)
	}
	common.InfoLog("pushing jar to nexus server")
	if _, err := conn.Local(ctx, "mvn deploy", utils.WithDir(d.cfg.Cwd)); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrBuild, err)
	}
	d.mu.Lock()
	d.deployed = true
	d.mu.Unlock()
	return "", nil
}

func (r *remoteJarBundle) install(ctx context.Context, conn utils.Connection) error {
	d := r.d
	url, err := r.artifactURL(ctx)
	if err != nil {
		return err
	}
	if err := d.createIfMissing(ctx, conn, d.rpath("releases")); err != nil {
		return err
	}
	id, err := d.ReleaseID(ctx)
	if err != nil {
		return err
	}
	rel := d.rpath("releases", id)
	if err := d.createIfMissing(ctx, conn, rel); err != nil {
		return err
	}

	if _, err := conn.Sudo(ctx, fmt.Sprintf("wget %s --directory-prefix=%s", url, rel)); err != nil {
		return err
	}
	// normalize the versioned file name
	if _, err := conn.Sudo(ctx, fmt.Sprintf("mv %s/*.jar %s/%s.jar", rel, rel, d.cfg.JarName)); err != nil {
		return err
	}
	if err := d.chownJar(ctx, conn, rel); err != nil {
		return err
	}
	return d.changeSymlinkTo(ctx, conn, rel)
}

// alreadyDeployed probes the repository for the artifact. A positive answer
// is cached for the rest of the invocation.
func (d *Deployer) alreadyDeployed(ctx context.Context, r *remoteJarBundle) (bool, error) {
	d.mu.Lock()
	deployed := d.deployed
	d.mu.Unlock()
	if deployed {
		return true, nil
	}

	url, err := r.artifactURL(ctx)
	if err != nil {
		return false, err
	}
	found, err := d.opts.Resolver.Exists(ctx, url)
	if err != nil {
		common.WarnLog("artifact probe %s failed: %v", url, err)
		return false, nil
	}
	if !found {
		common.InfoLog("artifact not found in nexus, building locally")
		return false, nil
	}
	common.InfoLog("already found artifact in nexus, skipping build and upload phases")
	d.mu.Lock()
	d.deployed = true
	d.mu.Unlock()
	return true, nil
}
