package deployer

import (
	"context"
	"fmt"
	"strings"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/utils"
)

// debBundle installs a locally built .deb with dpkg. dpkg replaces the
// files of the previous release, so the current release is kept aside as a
// single .old backup first.
type debBundle struct {
	d *Deployer
}

func (b *debBundle) bundleName() (string, error) {
	return newestMatch(b.d.lpath(b.d.cfg.BuildTarget), "*.deb")
}

func (b *debBundle) upload(ctx context.Context, conn utils.Connection) (string, error) {
	name, err := b.bundleName()
	if err != nil {
		return "", err
	}
	if err := conn.Put(ctx, b.d.lpath(b.d.cfg.BuildTarget, name), tpath()); err != nil {
		return "", err
	}
	common.InfoLog("[%s] uploaded new release of %s to %s", conn.Host().Name, name, tpath())
	return tpath(), nil
}

func (b *debBundle) install(ctx context.Context, conn utils.Connection) error {
	name, err := b.bundleName()
	if err != nil {
		return err
	}
	if err := b.d.backupCurrentRelease(ctx, conn); err != nil {
		return err
	}
	if _, err := conn.Sudo(ctx, "dpkg --force-confold -i "+tpath(name)); err != nil {
		return err
	}
	return b.d.LinkLatest(ctx, conn)
}

// backupCurrentRelease renames the current release to {id}.old and points
// current at the backup. An existing .old is never overwritten.
func (d *Deployer) backupCurrentRelease(ctx context.Context, conn utils.Connection) error {
	cur, err := d.currentRelease(ctx, conn)
	if err != nil {
		return err
	}
	if cur == "" {
		common.DebugLog("[%s] no current release to back up", conn.Host().Name)
		return nil
	}
	rel := d.rpath("releases", cur)
	if strings.Contains(rel, ".old") {
		return nil
	}
	backupExists, err := d.exists(ctx, conn, rel+".old")
	if err != nil || backupExists {
		return err
	}
	if _, err := conn.Sudo(ctx, fmt.Sprintf("mv %s %s.old", rel, rel)); err != nil {
		return err
	}
	return d.changeSymlinkTo(ctx, conn, rel+".old")
}
