package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/pseegers/mendel/common"
)

// RunLocal executes cmd through bash on the workstation.
func RunLocal(ctx context.Context, cmd string, opts ...RunOption) (Result, error) {
	o := ApplyOptions(opts)
	common.DebugLog("local: %s", cmd)

	c := exec.CommandContext(ctx, "/bin/bash", "-c", cmd)
	c.Dir = o.Dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	if o.Stream != nil {
		c.Stdout = io.MultiWriter(&stdout, o.Stream)
	}
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("local %q: %w", cmd, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	common.LogCommandOutput("local", res.Stdout)
	return finish("localhost", cmd, res, o)
}
