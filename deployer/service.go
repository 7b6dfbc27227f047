package deployer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/utils"
)

// ServiceCommands are the verbs ServiceControl accepts.
var ServiceCommands = []string{"start", "stop", "restart", "status"}

// systemdSince is the first Ubuntu release managed by systemctl.
const systemdSince = 16.0

// runningMarkers are the status substrings that mean the service is up,
// one per supported service manager.
var runningMarkers = []string{
	"start/running",    // upstart
	"active (running)", // systemd
}

// ServiceRunning interprets service status output.
func ServiceRunning(statusOutput string) bool {
	for _, m := range runningMarkers {
		if strings.Contains(statusOutput, m) {
			return true
		}
	}
	return false
}

// ServiceControl runs a start/stop/restart/status command for the service
// and returns its output.
func (d *Deployer) ServiceControl(ctx context.Context, conn utils.Connection, cmd string) (string, error) {
	if !validServiceCommand(cmd) {
		return "", fmt.Errorf("%w: unknown command %q, try one of %s",
			common.ErrInvalidCommand, cmd, strings.Join(ServiceCommands, ","))
	}

	var line string
	if d.usesSystemd(ctx, conn) {
		line = fmt.Sprintf("sudo systemctl %s %s --no-pager", cmd, d.cfg.ServiceName)
	} else {
		line = fmt.Sprintf("sudo service %s %s", d.cfg.ServiceName, cmd)
	}

	var opts []utils.RunOption
	if cmd == "status" {
		// stopped services exit non-zero on status
		opts = append(opts, utils.Warn())
	}
	common.DebugLog("[%s] executing %s", conn.Host().Name, line)
	res, err := conn.Run(ctx, line, opts...)
	return res.Stdout, err
}

func validServiceCommand(cmd string) bool {
	for _, c := range ServiceCommands {
		if c == cmd {
			return true
		}
	}
	return false
}

func (d *Deployer) usesSystemd(ctx context.Context, conn utils.Connection) bool {
	res, err := conn.Run(ctx, "lsb_release -a | grep Release", utils.Warn())
	if err != nil {
		common.WarnLog("[%s] unable to determine linux version (%v), assuming upstart", conn.Host().Name, err)
		return false
	}
	v, ok := parseReleaseVersion(res.Stdout)
	if !ok {
		common.WarnLog("[%s] unable to determine linux version from %q, assuming upstart", conn.Host().Name, strings.TrimSpace(res.Stdout))
		return false
	}
	systemd := v >= systemdSince
	common.DebugLog("[%s] linux version is %v, systemd=%t", conn.Host().Name, v, systemd)
	return systemd
}

// parseReleaseVersion reads "Release:\t18.04" as 18.04.
func parseReleaseVersion(out string) (float64, bool) {
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// startOrRestart brings the service up on the new release: stop then start
// when it was running, start otherwise. Skipped when service control is off.
func (d *Deployer) startOrRestart(ctx context.Context, conn utils.Connection) error {
	if !d.cfg.ServiceControlEnabled() {
		common.InfoLog("[%s] service control disabled, not starting %s", conn.Host().Name, d.cfg.ServiceName)
		return nil
	}
	status, err := d.ServiceControl(ctx, conn, "status")
	if err != nil {
		return err
	}
	if ServiceRunning(status) {
		common.InfoLog("[%s] restarting %s", conn.Host().Name, d.cfg.ServiceName)
		if _, err := d.ServiceControl(ctx, conn, "stop"); err != nil {
			return err
		}
	} else {
		common.InfoLog("[%s] starting %s", conn.Host().Name, d.cfg.ServiceName)
	}
	_, err = d.ServiceControl(ctx, conn, "start")
	return err
}
