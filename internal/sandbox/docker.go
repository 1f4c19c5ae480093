package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/shellbox-dev/shellbox/internal/config"
)

const (
	labelManagedBy = "shellbox"
	networkName    = "shellbox"
)

type DockerProvider struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerProvider) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	_, err = d.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	d.available = true
	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerProvider) ensureNetwork(ctx context.Context) error {
	_, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": labelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	log.Printf("Created Docker network: %s", networkName)
	return nil
}

func (d *DockerProvider) IsAvailable(_ context.Context) bool {
	return d.available
}

func (d *DockerProvider) BackendName() string {
	return "docker"
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		val := cpuStr[:len(cpuStr)-1]
		var n int64
		fmt.Sscanf(val, "%d", &n)
		return n * 1_000_000
	}
	var f float64
	fmt.Sscanf(cpuStr, "%f", &f)
	return int64(f * 1_000_000_000)
}

func parseMemoryToBytes(memStr string) int64 {
	unitMap := map[string]int64{
		"Ki": 1024,
		"Mi": 1024 * 1024,
		"Gi": 1024 * 1024 * 1024,
		"Ti": 1024 * 1024 * 1024 * 1024,
		"K":  1000,
		"M":  1000 * 1000,
		"G":  1000 * 1000 * 1000,
		"T":  1000 * 1000 * 1000 * 1000,
	}
	for suffix, multiplier := range unitMap {
		if strings.HasSuffix(memStr, suffix) {
			val := memStr[:len(memStr)-len(suffix)]
			var n int64
			fmt.Sscanf(val, "%d", &n)
			return n * multiplier
		}
	}
	var n int64
	fmt.Sscanf(memStr, "%d", &n)
	return n
}

func (d *DockerProvider) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("Image %s pulled", img)
	return nil
}

func (d *DockerProvider) Create(ctx context.Context, params CreateParams) (*Handle, error) {
	if err := d.ensureImage(ctx, params.Image); err != nil {
		return nil, err
	}

	var nanoCPUs int64
	var memLimit int64
	if params.CPULimit != "" {
		nanoCPUs = parseCPUToNanoCPUs(params.CPULimit)
	}
	if params.MemoryLimit != "" {
		memLimit = parseMemoryToBytes(params.MemoryLimit)
	}

	shmSize, _ := units.RAMInBytes("512m")

	containerCfg := &container.Config{
		Image: params.Image,
		// The sandbox idles until a PTY is attached into it.
		Cmd:    []string{"sleep", "infinity"},
		Labels: map[string]string{"managed-by": labelManagedBy, "session": params.Name},
	}

	hostCfg := &container.HostConfig{
		Privileged: params.Privileged,
		ShmSize:    shmSize,
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memLimit,
		},
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, params.Name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	return &Handle{Name: params.Name, Backend: d.BackendName(), CreatedAt: time.Now()}, nil
}

func (d *DockerProvider) Attach(ctx context.Context, name string) (*Handle, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", name, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil, fmt.Errorf("container %s is not running", name)
	}
	created, _ := time.Parse(time.RFC3339Nano, inspect.Created)
	return &Handle{Name: name, Backend: d.BackendName(), Attached: true, CreatedAt: created}, nil
}

func (d *DockerProvider) Destroy(ctx context.Context, handle *Handle) error {
	err := d.client.ContainerRemove(ctx, handle.Name, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", handle.Name, err)
	}
	return nil
}

func (d *DockerProvider) List(ctx context.Context) ([]Handle, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "managed-by="+labelManagedBy)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	handles := make([]Handle, 0, len(containers))
	for _, c := range containers {
		name := strings.TrimPrefix(c.Names[0], "/")
		handles = append(handles, Handle{
			Name:      name,
			Backend:   d.BackendName(),
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return handles, nil
}

func (d *DockerProvider) Exec(ctx context.Context, handle *Handle, cmd []string) (string, string, int, error) {
	return d.execByName(ctx, handle.Name, cmd)
}

func (d *DockerProvider) execByName(ctx context.Context, name string, cmd []string) (string, string, int, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := d.client.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return "", "", -1, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", -1, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	output, err := io.ReadAll(resp.Reader)
	if err != nil {
		return "", "", -1, fmt.Errorf("read exec output: %w", err)
	}

	inspectResp, err := d.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return string(output), "", -1, fmt.Errorf("exec inspect: %w", err)
	}

	// The attach stream is multiplexed; treat everything as stdout.
	cleaned := stripDockerStreamHeaders(output)
	return cleaned, "", inspectResp.ExitCode, nil
}

func stripDockerStreamHeaders(data []byte) string {
	// Docker multiplexed stream format: [stream_type(1)][0(3)][size(4)][payload]
	var result strings.Builder
	for len(data) > 0 {
		if len(data) >= 8 && (data[0] == 0 || data[0] == 1 || data[0] == 2) {
			size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
			data = data[8:]
			if size > 0 && size <= len(data) {
				result.Write(data[:size])
				data = data[size:]
			} else {
				result.Write(data)
				break
			}
		} else {
			result.Write(data)
			break
		}
	}
	return result.String()
}

func (d *DockerProvider) WriteFile(ctx context.Context, handle *Handle, path string, data []byte) error {
	return writeFileViaExec(ctx, d.execByName, handle.Name, path, data)
}

func (d *DockerProvider) ReadFile(ctx context.Context, handle *Handle, path string) ([]byte, error) {
	return readFileViaExec(ctx, d.execByName, handle.Name, path)
}

// AttachPty starts an interactive TTY exec inside the sandbox. The caller
// owns the returned Pty; ctx must stay valid until the Pty is closed.
func (d *DockerProvider) AttachPty(ctx context.Context, handle *Handle, opts PtyOptions) (*Pty, error) {
	execCfg := container.ExecOptions{
		Cmd:          opts.Command,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  &[2]uint{uint(opts.Rows), uint(opts.Cols)},
	}

	execID, err := d.client.ContainerExecCreate(ctx, handle.Name, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &Pty{
		Stdin:  resp.Conn,
		Stdout: resp.Conn,
		Resize: func(cols, rows uint16) error {
			return d.client.ContainerExecResize(ctx, execID.ID, container.ResizeOptions{
				Width:  uint(cols),
				Height: uint(rows),
			})
		},
		Close: func() error {
			resp.Close()
			return nil
		},
		Wait: func() (int, error) {
			for {
				inspect, err := d.client.ContainerExecInspect(ctx, execID.ID)
				if err != nil {
					return -1, fmt.Errorf("exec inspect: %w", err)
				}
				if !inspect.Running {
					return inspect.ExitCode, nil
				}
				select {
				case <-ctx.Done():
					return -1, ctx.Err()
				case <-time.After(500 * time.Millisecond):
				}
			}
		},
	}, nil
}

var _ Provider = (*DockerProvider)(nil)
