package deployer

import (
	"context"
	"fmt"
	"os"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/utils"
)

// jarBundle ships {jar_name}.jar from the build target.
type jarBundle struct {
	d *Deployer
}

func (j *jarBundle) bundleName() (string, error) {
	name := j.d.cfg.JarName + ".jar"
	p := j.d.lpath(j.d.cfg.BuildTarget, name)
	if fi, err := os.Stat(p); err != nil || fi.IsDir() {
		return "", fmt.Errorf("%w: couldn't find bundle %s in build_target_path %s",
			common.ErrArtifactNotFound, name, j.d.lpath(j.d.cfg.BuildTarget))
	}
	return name, nil
}

func (j *jarBundle) upload(ctx context.Context, conn utils.Connection) (string, error) {
	name, err := j.bundleName()
	if err != nil {
		return "", err
	}
	return j.d.uploadToRelease(ctx, conn, name)
}

func (j *jarBundle) install(ctx context.Context, conn utils.Connection) error {
	d := j.d
	id, err := d.ReleaseID(ctx)
	if err != nil {
		return err
	}
	rel := d.rpath("releases", id)
	if err := d.chownJar(ctx, conn, rel); err != nil {
		return err
	}
	return d.changeSymlinkTo(ctx, conn, rel)
}

func (d *Deployer) chownJar(ctx context.Context, conn utils.Connection, rel string) error {
	_, err := conn.Sudo(ctx, fmt.Sprintf("chown %s:%s %s/%s.jar", d.cfg.User, d.cfg.Group, rel, d.cfg.JarName))
	return err
}
