package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/pseegers/mendel/common"
)

// SSHConfig controls how deploy targets are dialed.
type SSHConfig struct {
	User          string
	KeyFile       string
	Passphrase    string
	Password      string
	SudoPassword  string
	StrictHostKey bool
	KnownHosts    string
	Timeout       time.Duration
}

// SSHConfigFromEnv reads MENDEL_SSH_* settings, falling back to the local
// user and ~/.ssh defaults.
func SSHConfigFromEnv() SSHConfig {
	home, _ := os.UserHomeDir()
	login := common.Env("USER", "root")
	if u, err := user.Current(); err == nil {
		login = u.Username
	}
	return SSHConfig{
		User:          common.Env("MENDEL_SSH_USER", login),
		KeyFile:       common.Env("MENDEL_SSH_KEY", filepath.Join(home, ".ssh", "id_rsa")),
		Passphrase:    common.Env("MENDEL_SSH_PASSPHRASE", ""),
		Password:      common.Env("MENDEL_SSH_PASSWORD", ""),
		SudoPassword:  common.Env("MENDEL_SUDO_PASSWORD", ""),
		StrictHostKey: common.EnvBool("MENDEL_SSH_STRICT_HOST_KEY", "true"),
		KnownHosts:    common.Env("MENDEL_SSH_KNOWN_HOSTS", filepath.Join(home, ".ssh", "known_hosts")),
		Timeout:       time.Duration(common.EnvInt("MENDEL_SSH_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

// SSHConnection holds a pooled client and its details
type SSHConnection struct {
	client   *ssh.Client
	hostAddr string
	user     string
	lastUsed time.Time
	mu       sync.RWMutex
}

// SSHConnectionPool manages SSH connections
type SSHConnectionPool struct {
	connections map[string]*SSHConnection
	mu          sync.RWMutex
	// dial defaults to CreateSSHClient
	dial func(cfg SSHConfig, addr string) (*ssh.Client, error)
}

var SSHPool = &SSHConnectionPool{
	connections: make(map[string]*SSHConnection),
}

// GetSSHConnection gets or creates an SSH connection. Dials run without the
// pool lock so hosts connect concurrently.
func (p *SSHConnectionPool) GetSSHConnection(cfg SSHConfig, addr string) (*ssh.Client, error) {
	key := fmt.Sprintf("%s@%s", cfg.User, addr)

	if client, ok := p.reuse(key); ok {
		return client, nil
	}

	common.DebugLog("ssh: connecting to %s", key)
	dial := p.dial
	if dial == nil {
		dial = CreateSSHClient
	}
	sshClient, err := dial(cfg, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH client: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, exists := p.connections[key]; exists && conn.client != nil {
		// another caller connected first
		if sshClient != nil {
			sshClient.Close()
		}
		return conn.client, nil
	}
	p.connections[key] = &SSHConnection{
		client:   sshClient,
		hostAddr: addr,
		user:     cfg.User,
		lastUsed: time.Now(),
	}
	return sshClient, nil
}

// reuse returns the pooled client for key if it still opens sessions.
func (p *SSHConnectionPool) reuse(key string) (*ssh.Client, bool) {
	p.mu.RLock()
	conn, exists := p.connections[key]
	p.mu.RUnlock()
	if !exists {
		return nil, false
	}

	conn.mu.Lock()
	if conn.client != nil {
		// probe with a throwaway session
		session, err := conn.client.NewSession()
		if err == nil {
			session.Close()
			conn.lastUsed = time.Now()
			conn.mu.Unlock()
			common.DebugLog("ssh: reusing connection to %s", key)
			return conn.client, true
		}
		conn.client.Close()
		conn.client = nil
	}
	conn.mu.Unlock()

	p.mu.Lock()
	if p.connections[key] == conn {
		delete(p.connections, key)
	}
	p.mu.Unlock()
	return nil, false
}

// CloseAll drops every pooled connection.
func (p *SSHConnectionPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, conn := range p.connections {
		conn.mu.Lock()
		if conn.client != nil {
			conn.client.Close()
		}
		conn.mu.Unlock()
		delete(p.connections, key)
	}
}

// CreateSSHClient dials addr using the agent, key file and password methods
// that are available.
func CreateSSHClient(cfg SSHConfig, addr string) (*ssh.Client, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	if !strings.Contains(addr, ":") {
		addr = addr + ":22"
	}

	sshClient, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH server %s: %w", addr, err)
	}
	common.DebugLog("ssh: connected to %s@%s", cfg.User, addr)
	return sshClient, nil
}

func authMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			common.WarnLog("ssh: agent socket %s unusable: %v", sock, err)
		}
	}

	if cfg.KeyFile != "" {
		keyData, err := os.ReadFile(cfg.KeyFile)
		switch {
		case err == nil:
			var signer ssh.Signer
			if cfg.Passphrase != "" {
				signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(cfg.Passphrase))
			} else {
				signer, err = ssh.ParsePrivateKey(keyData)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to parse SSH private key %s: %w", cfg.KeyFile, err)
			}
			methods = append(methods, ssh.PublicKeys(signer))
		case errors.Is(err, os.ErrNotExist):
			common.DebugLog("ssh: no key file at %s", cfg.KeyFile)
		default:
			return nil, fmt.Errorf("failed to read SSH key file %s: %w", cfg.KeyFile, err)
		}
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no ssh credentials: start an ssh agent, set MENDEL_SSH_KEY or MENDEL_SSH_PASSWORD",
			common.ErrConfiguration)
	}
	return methods, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		common.WarnLog("ssh: host key checking disabled (MENDEL_SSH_STRICT_HOST_KEY=false)")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("%w: load known_hosts %s: %v", common.ErrConfiguration, cfg.KnownHosts, err)
	}
	return cb, nil
}

// sshTarget is the Connection used for real deploys.
type sshTarget struct {
	host common.Host
	cfg  SSHConfig
	pool *SSHConnectionPool
}

// NewSSHConnection returns a Connection to host backed by the shared pool.
// Dialing happens on first use.
func NewSSHConnection(host common.Host, cfg SSHConfig) Connection {
	return &sshTarget{host: host, cfg: cfg, pool: SSHPool}
}

func (t *sshTarget) Host() common.Host { return t.host }

func (t *sshTarget) Run(ctx context.Context, cmd string, opts ...RunOption) (Result, error) {
	o := ApplyOptions(opts)
	return t.exec(ctx, InDir(cmd, o.Dir), cmd, nil, o)
}

func (t *sshTarget) Sudo(ctx context.Context, cmd string, opts ...RunOption) (Result, error) {
	o := ApplyOptions(opts)
	var stdin io.Reader
	if t.cfg.SudoPassword != "" {
		stdin = strings.NewReader(t.cfg.SudoPassword + "\n")
	}
	return t.exec(ctx, SudoCommand(InDir(cmd, o.Dir), o.User), cmd, stdin, o)
}

func (t *sshTarget) Local(ctx context.Context, cmd string, opts ...RunOption) (Result, error) {
	return RunLocal(ctx, cmd, opts...)
}

func (t *sshTarget) Put(ctx context.Context, localPath, remoteDir string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrArtifactNotFound, localPath, err)
	}
	defer f.Close()

	dest := path.Join(remoteDir, filepath.Base(localPath))
	common.InfoLog("[%s] put %s -> %s", t.host.Name, localPath, dest)
	_, err = t.exec(ctx, "cat > "+ShellQuote(dest), "put "+dest, f, RunOptions{})
	return err
}

func (t *sshTarget) exec(ctx context.Context, full, display string, stdin io.Reader, o RunOptions) (Result, error) {
	sshClient, err := t.pool.GetSSHConnection(t.cfg, t.host.Addr())
	if err != nil {
		return Result{}, err
	}
	session, err := sshClient.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%s: open session: %w", t.host.Name, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	if o.Stream != nil {
		session.Stdout = io.MultiWriter(&stdout, o.Stream)
	}
	session.Stderr = &stderr
	session.Stdin = stdin

	common.DebugLog("[%s] run: %s", t.host.Name, display)

	done := make(chan error, 1)
	go func() { done <- session.Run(full) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("%s: %q: %w", t.host.Name, display, err)
		}
		res.ExitCode = exitErr.ExitStatus()
	}
	common.LogCommandOutput(t.host.Name, res.Stdout)
	return finish(t.host.Name, display, res, o)
}

// SSHTransport implements http.RoundTripper by tunneling to the remote
// docker socket.
type SSHTransport struct {
	sshClient *ssh.Client
	once      sync.Once
	transport *http.Transport
}

// RoundTrip implements http.RoundTripper
func (t *SSHTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.once.Do(func() {
		t.transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := t.sshClient.Dial("unix", "/var/run/docker.sock")
				if err != nil {
					return nil, fmt.Errorf("failed to create SSH tunnel to Docker socket: %w", err)
				}
				return conn, nil
			},
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	})
	return t.transport.RoundTrip(req)
}

// CreateSSHDockerClient returns a docker client that talks to the daemon on
// a remote host over SSH.
func CreateSSHDockerClient(cfg SSHConfig, addr string) (*client.Client, func(), error) {
	sshClient, err := SSHPool.GetSSHConnection(cfg, addr)
	if err != nil {
		return nil, nil, err
	}

	httpClient := &http.Client{
		Transport: &SSHTransport{sshClient: sshClient},
	}

	dockerClient, err := client.NewClientWithOpts(
		client.WithHost("unix:///var/run/docker.sock"), // tunneled through SSH
		client.WithHTTPClient(httpClient),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	cleanup := func() {
		dockerClient.Close()
		// the SSH connection stays pooled
	}
	common.DebugLog("ssh: docker client tunneled through %s@%s", cfg.User, addr)
	return dockerClient, cleanup, nil
}

// ParseSSHURL splits ssh://user@host[:port] into user and host address.
func ParseSSHURL(sshURL string) (user, host string, err error) {
	if !strings.HasPrefix(sshURL, "ssh://") {
		return "", "", fmt.Errorf("%w: invalid SSH URL format: %s", common.ErrConfiguration, sshURL)
	}
	address := strings.TrimPrefix(sshURL, "ssh://")

	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: SSH URL must contain user@host format: %s", common.ErrConfiguration, sshURL)
	}
	return parts[0], parts[1], nil
}
