// Package containers runs peers in Docker containers on a shared bridge
// network. Every container starts cmd/wrapper around cmd/peer, so the
// returned addresses plug straight into a wrapper.WrapperManager.
package containers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

type Logger interface {
	Printf(format string, v ...any)
}

type Options struct {
	// Image must contain the wrapper and peer binaries.
	Image string
	// Network is created when missing and removed on Close if it was.
	Network string
	// WrapperPath and PeerPath locate the binaries inside the image.
	WrapperPath string
	PeerPath    string
	// WrapperPort is the HTTP port the wrapper listens on, 8090 when zero.
	WrapperPort int
	// Logger defaults to log.Default().
	Logger Logger
}

func (o Options) withDefaults() Options {
	if o.WrapperPath == "" {
		o.WrapperPath = "/app/wrapper"
	}
	if o.PeerPath == "" {
		o.PeerPath = "/app/peer"
	}
	if o.WrapperPort == 0 {
		o.WrapperPort = 8090
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// PeerSpec describes one peer container.
type PeerSpec struct {
	// Alias is the container name and its host name on the network.
	Alias string
	// Env holds KEY=VALUE pairs for the container.
	Env []string
	// Args are passed to the peer binary.
	Args []string
}

type Pool struct {
	cli        *client.Client
	opts       Options
	networkID  string
	ownNetwork bool

	mu      sync.Mutex
	workers map[string]*Worker
}

// Worker is one running peer container.
type Worker struct {
	ID    string
	Alias string
	// Addr is the wrapper's host:port on the bridge network.
	Addr string

	pool *Pool
}

// NewPool connects to the Docker daemon from the environment and makes sure
// the network exists.
func NewPool(ctx context.Context, opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	if opts.Image == "" || opts.Network == "" {
		return nil, errors.New("containers: image and network are required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	p := &Pool{cli: cli, opts: opts, workers: make(map[string]*Worker)}
	if res, err := cli.NetworkInspect(ctx, opts.Network, network.InspectOptions{}); err == nil {
		p.networkID = res.ID
	} else {
		created, err := cli.NetworkCreate(ctx, opts.Network, network.CreateOptions{Driver: "bridge"})
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to create network %s: %w", opts.Network, err)
		}
		p.networkID = created.ID
		p.ownNetwork = true
	}
	return p, nil
}

// Gateway returns the host's address on the pool network. A controller
// listening on the host is reachable from the peers there.
func (p *Pool) Gateway(ctx context.Context) (string, error) {
	res, err := p.cli.NetworkInspect(ctx, p.networkID, network.InspectOptions{})
	if err != nil {
		return "", err
	}
	for _, cfg := range res.IPAM.Config {
		if cfg.Gateway != "" {
			return cfg.Gateway, nil
		}
	}
	return "", fmt.Errorf("network %s has no gateway", p.opts.Network)
}

// Start creates and starts a peer container.
func (p *Pool) Start(ctx context.Context, spec PeerSpec) (*Worker, error) {
	p.opts.Logger.Printf("Initializing a new worker for %s (Image: %s)...", spec.Alias, p.opts.Image)

	resp, err := p.cli.ContainerCreate(ctx,
		containerConfig(p.opts, spec),
		hostConfig(),
		&network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{
			p.opts.Network: {Aliases: []string{spec.Alias}},
		}},
		nil, spec.Alias)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", spec.Alias, err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", spec.Alias, err)
	}

	info, err := p.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to inspect container %s: %w", spec.Alias, err)
	}
	ep, ok := info.NetworkSettings.Networks[p.opts.Network]
	if !ok || ep.IPAddress == "" {
		p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container %s has no address on %s", spec.Alias, p.opts.Network)
	}

	w := &Worker{
		ID:    resp.ID,
		Alias: spec.Alias,
		Addr:  net.JoinHostPort(ep.IPAddress, strconv.Itoa(p.opts.WrapperPort)),
		pool:  p,
	}
	p.mu.Lock()
	p.workers[spec.Alias] = w
	p.mu.Unlock()
	p.opts.Logger.Printf("Worker %s started in container %s at %s", spec.Alias, short(resp.ID), w.Addr)
	return w, nil
}

func containerConfig(opts Options, spec PeerSpec) *container.Config {
	cmd := []string{opts.WrapperPath, "-cmd", opts.PeerPath, "-addr", ":" + strconv.Itoa(opts.WrapperPort), "--"}
	return &container.Config{
		Image:      opts.Image,
		Cmd:        append(cmd, spec.Args...),
		Env:        spec.Env,
		WorkingDir: "/app",
		Hostname:   spec.Alias,
	}
}

func hostConfig() *container.HostConfig {
	pids := int64(256)
	oomKillDisable := false
	return &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs:       500_000_000,
			Memory:         256 * 1024 * 1024,
			PidsLimit:      &pids,
			OomKillDisable: &oomKillDisable,
			Ulimits: []*container.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
			},
		},
	}
}

// Disconnect takes the worker off the network. Its peer keeps running but
// can no longer reach the controller.
func (w *Worker) Disconnect(ctx context.Context) error {
	return w.pool.cli.NetworkDisconnect(ctx, w.pool.networkID, w.ID, true)
}

func (w *Worker) Reconnect(ctx context.Context) error {
	return w.pool.cli.NetworkConnect(ctx, w.pool.networkID, w.ID, &network.EndpointSettings{
		Aliases: []string{w.Alias},
	})
}

// Exec runs cmd inside the container and writes its demultiplexed output.
func (w *Worker) Exec(ctx context.Context, cmd []string, stdout, stderr io.Writer) error {
	cli := w.pool.cli
	execID, err := cli.ContainerExecCreate(ctx, w.ID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   "/app",
	})
	if err != nil {
		return fmt.Errorf("failed to create exec instance: %w", err)
	}

	hijacked, err := cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach to exec instance: %w", err)
	}
	defer hijacked.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, hijacked.Reader)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to stream output: %w", err)
		}
	}

	res, err := cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect exec instance: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("execution finished with non-zero exit code: %d", res.ExitCode)
	}
	return nil
}

// Remove stops and deletes the worker's container.
func (w *Worker) Remove(ctx context.Context) error {
	p := w.pool
	p.opts.Logger.Printf("Stopping and removing container %s", short(w.ID))
	if err := p.cli.ContainerStop(ctx, w.ID, container.StopOptions{}); err != nil {
		p.opts.Logger.Printf("Warning: failed to gracefully stop container %s: %v", short(w.ID), err)
	}
	if err := p.cli.ContainerRemove(ctx, w.ID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	p.mu.Lock()
	delete(p.workers, w.Alias)
	p.mu.Unlock()
	return nil
}

// Worker returns the running worker for alias.
func (p *Pool) Worker(alias string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[alias]
	return w, ok
}

// Close removes every worker and, if the pool created it, the network.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var errs []error
	for _, w := range workers {
		errs = append(errs, w.Remove(ctx))
	}
	if p.ownNetwork {
		if err := p.cli.NetworkRemove(ctx, p.networkID); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove network %s: %w", p.opts.Network, err))
		}
	}
	errs = append(errs, p.cli.Close())
	return errors.Join(errs...)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
