// Package heavyset starts and stops the local systemd container used as a
// throwaway deploy target.
package heavyset

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/utils"
)

const (
	SetupImage    = "solita/ubuntu-systemd:18.04"
	HostImage     = "ihamisu/heavyset:1.0.4"
	ContainerName = "stage-host"

	SSHPort  = "2223"
	HTTPPort = "8081"

	// fixture login
	User     = "vagrant"
	Password = "vagrant"
)

// dockerAPI is the part of the docker client the fixture drives.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Fixture manages the stage-host container on one docker daemon.
type Fixture struct {
	api dockerAPI
}

// New wraps an existing docker client.
func New(api dockerAPI) *Fixture {
	return &Fixture{api: api}
}

// Connect builds a docker client from the environment. MENDEL_HEAVYSET_DOCKER
// may name a remote daemon as ssh://user@host[:port]; otherwise DOCKER_HOST
// and friends apply.
func Connect(ctx context.Context) (*Fixture, func(), error) {
	if target := common.Env("MENDEL_HEAVYSET_DOCKER", ""); strings.HasPrefix(target, "ssh://") {
		user, host, err := utils.ParseSSHURL(target)
		if err != nil {
			return nil, nil, err
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "22")
		}
		cfg := utils.SSHConfigFromEnv()
		cfg.User = user
		cli, cleanup, err := utils.CreateSSHDockerClient(cfg, host)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SSH Docker client: %w", err)
		}
		if err := ping(ctx, cli); err != nil {
			cleanup()
			return nil, nil, err
		}
		return New(cli), cleanup, nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, err
	}
	if err := ping(ctx, cli); err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	return New(cli), func() { _ = cli.Close() }, nil
}

func ping(ctx context.Context, cli *client.Client) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pctx); err != nil {
		return fmt.Errorf("%w: docker daemon not reachable: %v", common.ErrEnvironment, err)
	}
	return nil
}

// setupContainer prepares the docker host for running systemd containers.
func setupContainer() (*container.Config, *container.HostConfig) {
	return &container.Config{
			Image: SetupImage,
			Cmd:   []string{"setup"},
		}, &container.HostConfig{
			Binds:      []string{"/:/host"},
			Privileged: true,
			AutoRemove: true,
		}
}

// hostContainer is the systemd host with SSH on SSHPort and HTTP on HTTPPort.
func hostContainer() (*container.Config, *container.HostConfig) {
	ssh := nat.Port("22/tcp")
	http := nat.Port("8080/tcp")
	return &container.Config{
			Image:        HostImage,
			ExposedPorts: nat.PortSet{ssh: struct{}{}, http: struct{}{}},
		}, &container.HostConfig{
			SecurityOpt: []string{"seccomp=unconfined"},
			Tmpfs:       map[string]string{"/run": "", "/run/lock": ""},
			Binds:       []string{"/sys/fs/cgroup:/sys/fs/cgroup:ro"},
			PortBindings: nat.PortMap{
				ssh:  []nat.PortBinding{{HostPort: SSHPort}},
				http: []nat.PortBinding{{HostPort: HTTPPort}},
			},
		}
}

// Up runs the one-shot setup container, then starts stage-host detached.
func (f *Fixture) Up(ctx context.Context) error {
	common.InfoLog("setting your machine up to work with systemd container...")
	if err := f.pull(ctx, SetupImage); err != nil {
		return err
	}
	cfg, hostCfg := setupContainer()
	setup, err := f.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return fmt.Errorf("create setup container: %w", err)
	}
	// register the wait before start so an auto-removed container is not missed
	waitC, errC := f.api.ContainerWait(ctx, setup.ID, container.WaitConditionNextExit)
	if err := f.api.ContainerStart(ctx, setup.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start setup container: %w", err)
	}
	select {
	case res := <-waitC:
		if res.StatusCode != 0 {
			msg := ""
			if res.Error != nil {
				msg = res.Error.Message
			}
			return fmt.Errorf("%w: setup container exited %d %s", common.ErrEnvironment, res.StatusCode, msg)
		}
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("wait for setup container: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	common.InfoLog("running ubuntu 18.04 based systemd container...")
	if err := f.pull(ctx, HostImage); err != nil {
		return err
	}
	cfg, hostCfg = hostContainer()
	created, err := f.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, ContainerName)
	if err != nil {
		return fmt.Errorf("create %s: %w", ContainerName, err)
	}
	if err := f.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", ContainerName, err)
	}
	common.InfoLog("%s is up: ssh %s@localhost -p %s (password %s), http on %s", ContainerName, User, SSHPort, Password, HTTPPort)
	return nil
}

func (f *Fixture) pull(ctx context.Context, ref string) error {
	rc, err := f.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	// the pull completes when the progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Down force-removes stage-host. A missing container is not an error.
func (f *Fixture) Down(ctx context.Context) error {
	common.InfoLog("attempting graceful shutdown of systemd container...")
	err := f.api.ContainerRemove(ctx, ContainerName, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		common.InfoLog("shutdown was successful")
		return nil
	case errdefs.IsNotFound(err):
		common.WarnLog("no %s container to remove", ContainerName)
		return nil
	default:
		return fmt.Errorf("could not gracefully shutdown & remove systemd container: %w", err)
	}
}
