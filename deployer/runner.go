package deployer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/utils"
)

// Dialer opens a Connection to one host.
type Dialer func(host common.Host) utils.Connection

// Runner applies one operation to every host of a group.
type Runner struct {
	Dial Dialer
	// Parallel caps concurrent hosts; values below 2 run hosts one at a time.
	Parallel int
}

// Connections dials every host.
func (r *Runner) Connections(hosts []common.Host) []utils.Connection {
	out := make([]utils.Connection, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, r.Dial(h))
	}
	return out
}

// Each runs fn against every host. Sequential runs stop at the first
// failure; parallel runs cancel the hosts that have not finished.
func (r *Runner) Each(ctx context.Context, hosts []common.Host, fn func(context.Context, utils.Connection) error) error {
	if len(hosts) == 0 {
		return fmt.Errorf("%w: you didn't specify any hosts with -H or configuration file", common.ErrConfiguration)
	}

	if r.Parallel < 2 || len(hosts) == 1 {
		for _, h := range hosts {
			if err := fn(ctx, r.Dial(h)); err != nil {
				return fmt.Errorf("%s: %w", h.Name, err)
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Parallel)
	for _, h := range hosts {
		h := h
		g.Go(func() error {
			if err := fn(gctx, r.Dial(h)); err != nil {
				return fmt.Errorf("%s: %w", h.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Deploy deploys version to every host. An empty host list still reports
// the failed deployment to the trackers.
func (r *Runner) Deploy(ctx context.Context, d *Deployer, hosts []common.Host, version string) error {
	if len(hosts) == 0 {
		return d.Deploy(ctx, nil, version)
	}
	return r.Each(ctx, hosts, func(ctx context.Context, c utils.Connection) error {
		return d.Deploy(ctx, c, version)
	})
}
