package deployer

import (
	"context"
	"fmt"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/utils"
)

// remoteDebBundle publishes a .deb to the nexus apt repository with maven
// and upgrades hosts through apt.
type remoteDebBundle struct {
	d *Deployer
}

// build is a no-op: the package is built by `mvn deploy` during upload.
func (r *remoteDebBundle) build(ctx context.Context, conn utils.Connection) error {
	r.d.mu.Lock()
	r.d.built = true
	r.d.mu.Unlock()
	return nil
}

func (r *remoteDebBundle) upload(ctx context.Context, conn utils.Connection) (string, error) {
	d := r.d
	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	d.mu.Lock()
	published, pinned := d.deployed, d.pinned
	d.mu.Unlock()
	if published {
		return "", nil
	}
	if pinned != "" {
		common.InfoLog("version %s requested, not publishing a new package", pinned)
		return "", nil
	}
	if d.cfg.ProjectType != common.ProjectJava {
		return "", fmt.Errorf("%w: unsupported project type for remote deb: %s",
			common.ErrUnsupportedCombination, d.cfg.ProjectType)
	}
	if _, err := conn.Local(ctx, "mvn clean -U deploy", utils.WithDir(d.cfg.Cwd)); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrBuild, err)
	}
	d.mu.Lock()
	d.deployed = true
	d.mu.Unlock()
	return "", nil
}

func (r *remoteDebBundle) install(ctx context.Context, conn utils.Connection) error {
	r.d.mu.Lock()
	pinned := r.d.pinned
	r.d.mu.Unlock()
	return r.d.aptInstall(ctx, conn, pinned)
}

// aptInstall upgrades the service package to the newest version, or to
// exactly version when one is given.
func (d *Deployer) aptInstall(ctx context.Context, conn utils.Connection, version string) error {
	svc := d.cfg.ServiceName
	if _, err := conn.Sudo(ctx, "apt-get update"); err != nil {
		return err
	}
	var cmd string
	if version == "" {
		common.InfoLog("[%s] upgrading package %s to latest available version", conn.Host().Name, svc)
		cmd = fmt.Sprintf(`apt-get install -y --force-yes --only-upgrade -o Dpkg::Options::="--force-confold" %s`, svc)
	} else {
		common.InfoLog("[%s] installing %s %s", conn.Host().Name, svc, version)
		cmd = fmt.Sprintf(`apt-get install -y --force-yes -o Dpkg::Options::="--force-confold" %s=%s`, svc, version)
	}
	_, err := conn.Sudo(ctx, cmd)
	return err
}
