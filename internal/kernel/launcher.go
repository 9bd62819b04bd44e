// Package kernel adapts the external container engine into the one
// operation the session layer needs: launch an isolated kernel with a live
// protocol channel, and tear it down again.
package kernel

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/j-brandt/codecell/internal/config"
	"github.com/j-brandt/codecell/protocol"
)

const labelPrefix = "codecell."

// connection file mount target inside the kernel container
const containerConnectionPath = "/opt/connection/kernel.json"

// ErrStartupFailed wraps any failure to bring a kernel to a ready state.
// Callers surface it generically; the captured diagnostics go to logs only.
var ErrStartupFailed = errors.New("could not start execution environment")

// Options are the per-session resource ceilings and mount declarations.
type Options struct {
	MemoryLimit       string // docker size string, e.g. "2g"
	CPULimit          float64
	PidsLimit         int
	Env               map[string]string
	Mounts            []MountPoint
	ReadyTimeout      time.Duration
	StartupRetries    int
	StartupRetryDelay time.Duration
}

// Kernel is the handle for one running kernel: the container, its channel,
// and the connection files to reclaim on teardown. Exclusively owned by
// the session it was launched for.
type Kernel struct {
	SessionID   string
	ContainerID string

	launcher   *Launcher
	channel    *Channel
	kernelFile string
	clientFile string
}

// Container returns the backing container id.
func (k *Kernel) Container() string {
	return k.ContainerID
}

// Destroy tears this kernel down via its launcher.
func (k *Kernel) Destroy(ctx context.Context) error {
	return k.launcher.Destroy(ctx, k)
}

// Submit sends code to the kernel, returning the correlation id.
func (k *Kernel) Submit(code string) (string, error) {
	return k.channel.Submit(code)
}

// Next reads the next broadcast message, bounded by timeout.
func (k *Kernel) Next(timeout time.Duration) (*protocol.Message, error) {
	return k.channel.Next(timeout)
}

// Launcher creates and destroys kernel containers.
type Launcher struct {
	docker  *client.Client
	cfg     *config.Config
	connDir string
	logger  *slog.Logger
}

func NewLauncher(cfg *config.Config, logger *slog.Logger) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	connDir := cfg.ConnectionDir
	if connDir == "" {
		connDir, err = os.MkdirTemp("", "codecell-connections-")
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("connection dir: %w", err)
		}
	} else if err := os.MkdirAll(connDir, 0o700); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connection dir: %w", err)
	}

	return &Launcher{docker: cli, cfg: cfg, connDir: connDir, logger: logger}, nil
}

// Ping verifies the container engine is reachable.
func (l *Launcher) Ping(ctx context.Context) error {
	_, err := l.docker.Ping(ctx)
	return err
}

func (l *Launcher) Close() error {
	os.RemoveAll(l.connDir)
	return l.docker.Close()
}

// EnsureImage checks the kernel image exists, building it from the
// configured context directory when missing.
func (l *Launcher) EnsureImage(ctx context.Context) error {
	_, err := l.docker.ImageInspect(ctx, l.cfg.KernelImage)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", l.cfg.KernelImage, err)
	}

	if l.cfg.ImageBuildDir == "" {
		return fmt.Errorf("kernel image %s not found and no image_build_dir configured", l.cfg.KernelImage)
	}

	l.logger.Info("building kernel image", "image", l.cfg.KernelImage, "context", l.cfg.ImageBuildDir)
	buildCtx, err := tarDirectory(l.cfg.ImageBuildDir)
	if err != nil {
		return fmt.Errorf("tar build context: %w", err)
	}

	resp, err := l.docker.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{l.cfg.KernelImage},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", l.cfg.KernelImage, err)
	}
	defer resp.Body.Close()

	// The build runs while we drain the progress stream.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("read build output: %w", err)
	}
	return nil
}

// Launch creates a kernel container bound to fresh local ports, waits for
// it to run and for its channel to answer, and returns the handle. On any
// failure everything created so far is torn down before returning.
func (l *Launcher) Launch(ctx context.Context, sessionID string, opts Options) (*Kernel, error) {
	if err := ValidateMounts(opts.Mounts); err != nil {
		return nil, err
	}

	info, err := newConnectionInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	kernelFile := l.kernelFilePath(sessionID)
	if err := writeConnectionFile(kernelFile, info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	containerID, err := l.createContainer(ctx, sessionID, info, kernelFile, opts)
	if err != nil {
		os.Remove(kernelFile)
		return nil, err
	}

	k := &Kernel{
		SessionID:   sessionID,
		ContainerID: containerID,
		launcher:    l,
		kernelFile:  kernelFile,
		clientFile:  l.clientFilePath(sessionID),
	}

	if err := l.awaitRunning(ctx, containerID, opts); err != nil {
		l.Destroy(ctx, k)
		return nil, err
	}

	if err := writeConnectionFile(k.clientFile, clientInfo(info)); err != nil {
		l.Destroy(ctx, k)
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	ch, err := DialChannel(clientInfo(info), l.logger)
	if err != nil {
		l.Destroy(ctx, k)
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	k.channel = ch

	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}
	if err := ch.WaitReady(readyTimeout); err != nil {
		l.Destroy(ctx, k)
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	return k, nil
}

func (l *Launcher) createContainer(ctx context.Context, sessionID string, info protocol.ConnectionInfo, kernelFile string, opts Options) (string, error) {
	memory, err := units.RAMInBytes(opts.MemoryLimit)
	if err != nil {
		return "", fmt.Errorf("parse memory limit %q: %w", opts.MemoryLimit, err)
	}
	pids := int64(opts.PidsLimit)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range []int{info.ShellPort, info.IOPubPort, info.StdinPort, info.ControlPort, info.HBPort} {
		p := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)}}
	}

	mounts := []mount.Mount{{
		Type:     mount.TypeBind,
		Source:   kernelFile,
		Target:   containerConnectionPath,
		ReadOnly: true,
	}}
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	env := []string{"PYTHONPATH=/opt/kernel"}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    memory,
			NanoCPUs:  int64(opts.CPULimit * 1e9),
			PidsLimit: &pids,
		},
		SecurityOpt:  []string{"no-new-privileges:true"},
		CapDrop:      []string{"ALL"},
		CapAdd:       []string{"NET_BIND_SERVICE"},
		NetworkMode:  "bridge",
		DNS:          l.cfg.Defaults.DNS,
		PortBindings: bindings,
		Mounts:       mounts,
	}

	containerCfg := &container.Config{
		Image: l.cfg.KernelImage,
		Cmd:   []string{"python", "-m", "ipykernel_launcher", "-f", containerConnectionPath},
		Env:   env,
		Labels: map[string]string{
			labelPrefix + "session_id": sessionID,
			labelPrefix + "managed":    "true",
		},
		ExposedPorts: exposed,
	}

	resp, err := l.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "codecell-"+sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: create container: %v", ErrStartupFailed, err)
	}

	if err := l.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("%w: start container: %v", ErrStartupFailed, err)
	}

	return resp.ID, nil
}

// awaitRunning polls the container state a bounded number of times. On
// terminal failure the last log lines are captured for the operator.
func (l *Launcher) awaitRunning(ctx context.Context, containerID string, opts Options) error {
	retries := opts.StartupRetries
	if retries <= 0 {
		retries = 3
	}
	delay := opts.StartupRetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 0; attempt < retries; attempt++ {
		inspect, err := l.docker.ContainerInspect(ctx, containerID)
		if err == nil && inspect.State != nil && inspect.State.Running {
			return nil
		}
		if attempt < retries-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrStartupFailed, ctx.Err())
			}
		}
	}

	for _, line := range l.tailLogs(ctx, containerID, 10) {
		l.logger.Error("kernel container log", "container_id", containerID[:12], "line", line)
	}
	return fmt.Errorf("%w: container never reached running state", ErrStartupFailed)
}

// tailLogs returns up to n trailing log lines, best-effort.
func (l *Launcher) tailLogs(ctx context.Context, containerID string, n int) []string {
	rc, err := l.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(n),
	})
	if err != nil {
		return nil
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil
	}

	var lines []string
	for _, buf := range []*bytes.Buffer{&stdout, &stderr} {
		scanner := bufio.NewScanner(buf)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Destroy tears a kernel down: channel, container stop, container remove,
// connection files. Every step runs regardless of earlier failures so
// reclamation is always attempted in full; the aggregated error is for
// logging only and must not surface to callers.
func (l *Launcher) Destroy(ctx context.Context, k *Kernel) error {
	var errs []error

	if k.channel != nil {
		if err := k.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	stopTimeout := 5
	if err := l.docker.ContainerStop(ctx, k.ContainerID, container.StopOptions{Timeout: &stopTimeout}); err != nil && !client.IsErrNotFound(err) {
		errs = append(errs, fmt.Errorf("stop container: %w", err))
	}

	if err := l.docker.ContainerRemove(ctx, k.ContainerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		errs = append(errs, fmt.Errorf("remove container: %w", err))
	}

	for _, f := range []string{k.kernelFile, k.clientFile} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", filepath.Base(f), err))
		}
	}

	err := errors.Join(errs...)
	if err != nil && l.logger != nil {
		l.logger.Error("kernel teardown incomplete", "session_id", k.SessionID, "error", err)
	}
	return err
}

// tarDirectory streams dir as an uncompressed tar for the image builder.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
