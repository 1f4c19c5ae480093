package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/homedir"

	"github.com/shellbox-dev/shellbox/internal/config"
)

type KubernetesProvider struct {
	clientset  *kubernetes.Clientset
	restConfig *rest.Config
	available  bool
	inCluster  bool
}

func (k *KubernetesProvider) Initialize(ctx context.Context) error {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		k.inCluster = true
	} else {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("k8s config: %w", err)
		}
	}

	k.restConfig = cfg
	k.clientset, err = kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("k8s clientset: %w", err)
	}

	_, err = k.clientset.CoreV1().Namespaces().Get(ctx, config.Cfg.K8sNamespace, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("k8s namespace check: %w", err)
	}

	k.available = true
	return nil
}

func (k *KubernetesProvider) IsAvailable(_ context.Context) bool {
	return k.available
}

func (k *KubernetesProvider) BackendName() string {
	return "kubernetes"
}

func (k *KubernetesProvider) ns() string {
	return config.Cfg.K8sNamespace
}

func (k *KubernetesProvider) Create(ctx context.Context, params CreateParams) (*Handle, error) {
	ns := k.ns()

	pod := buildPod(params, ns)
	if _, err := k.clientset.CoreV1().Pods(ns).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("create pod: %w", err)
	}

	if err := k.waitForPodRunning(ctx, params.Name, 2*time.Minute); err != nil {
		k.deletePod(context.Background(), params.Name)
		return nil, err
	}

	return &Handle{Name: params.Name, Backend: k.BackendName(), CreatedAt: time.Now()}, nil
}

func (k *KubernetesProvider) waitForPodRunning(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pod, err := k.clientset.CoreV1().Pods(k.ns()).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			switch pod.Status.Phase {
			case corev1.PodRunning:
				return nil
			case corev1.PodFailed, corev1.PodSucceeded:
				return fmt.Errorf("pod %s entered phase %s before becoming ready", name, pod.Status.Phase)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("pod %s did not become ready within %s", name, timeout)
}

func (k *KubernetesProvider) Attach(ctx context.Context, name string) (*Handle, error) {
	pod, err := k.clientset.CoreV1().Pods(k.ns()).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get pod %s: %w", name, err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return nil, fmt.Errorf("pod %s is not running (phase %s)", name, pod.Status.Phase)
	}
	return &Handle{Name: name, Backend: k.BackendName(), Attached: true, CreatedAt: pod.CreationTimestamp.Time}, nil
}

func (k *KubernetesProvider) Destroy(ctx context.Context, handle *Handle) error {
	return k.deletePod(ctx, handle.Name)
}

func (k *KubernetesProvider) deletePod(ctx context.Context, name string) error {
	grace := int64(0)
	err := k.clientset.CoreV1().Pods(k.ns()).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return nil
}

func (k *KubernetesProvider) List(ctx context.Context) ([]Handle, error) {
	pods, err := k.clientset.CoreV1().Pods(k.ns()).List(ctx, metav1.ListOptions{
		LabelSelector: "managed-by=" + labelManagedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	handles := make([]Handle, 0, len(pods.Items))
	for _, pod := range pods.Items {
		handles = append(handles, Handle{
			Name:      pod.Name,
			Backend:   k.BackendName(),
			CreatedAt: pod.CreationTimestamp.Time,
		})
	}
	return handles, nil
}

func (k *KubernetesProvider) Exec(ctx context.Context, handle *Handle, cmd []string) (string, string, int, error) {
	return k.execByName(ctx, handle.Name, cmd)
}

func (k *KubernetesProvider) execByName(ctx context.Context, name string, cmd []string) (string, string, int, error) {
	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(name).
		Namespace(k.ns()).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: cmd,
			Stdout:  true,
			Stderr:  true,
			Stdin:   false,
			TTY:     false,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return "", "", -1, fmt.Errorf("create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			return stdout.String(), stderr.String(), -1, fmt.Errorf("exec in pod %s: %w", name, err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

func (k *KubernetesProvider) WriteFile(ctx context.Context, handle *Handle, path string, data []byte) error {
	return writeFileViaExec(ctx, k.execByName, handle.Name, path, data)
}

func (k *KubernetesProvider) ReadFile(ctx context.Context, handle *Handle, path string) ([]byte, error) {
	return readFileViaExec(ctx, k.execByName, handle.Name, path)
}

// termSizeQueue implements remotecommand.TerminalSizeQueue via a channel.
// Resize and Close are safe to call concurrently; a resize after close is
// dropped.
type termSizeQueue struct {
	mu     sync.Mutex
	ch     chan remotecommand.TerminalSize
	closed bool
}

func newTermSizeQueue(cols, rows uint16) *termSizeQueue {
	q := &termSizeQueue{ch: make(chan remotecommand.TerminalSize, 1)}
	q.ch <- remotecommand.TerminalSize{Width: cols, Height: rows}
	return q
}

func (q *termSizeQueue) Next() *remotecommand.TerminalSize {
	size, ok := <-q.ch
	if !ok {
		return nil
	}
	return &size
}

func (q *termSizeQueue) Resize(cols, rows uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	// Drain any pending size so the newest is always delivered
	select {
	case <-q.ch:
	default:
	}
	q.ch <- remotecommand.TerminalSize{Width: cols, Height: rows}
}

func (q *termSizeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// AttachPty starts an interactive TTY exec in the sandbox pod. ctx must
// stay valid until the Pty is closed; cancelling it aborts the stream.
func (k *KubernetesProvider) AttachPty(ctx context.Context, handle *Handle, opts PtyOptions) (*Pty, error) {
	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(handle.Name).
		Namespace(k.ns()).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: opts.Command,
			Stdin:   true,
			Stdout:  true,
			Stderr:  false,
			TTY:     true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	sizeQueue := newTermSizeQueue(opts.Cols, opts.Rows)

	done := make(chan error, 1)
	go func() {
		defer stdoutW.Close()
		err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: sizeQueue,
		})
		if err != nil {
			log.Printf("k8s pty stream for %s ended: %v", handle.Name, err)
		}
		done <- err
	}()

	return &Pty{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Resize: func(cols, rows uint16) error {
			sizeQueue.Resize(cols, rows)
			return nil
		},
		Close: func() error {
			sizeQueue.Close()
			stdinW.Close()
			stdinR.Close()
			stdoutR.Close()
			return nil
		},
		Wait: func() (int, error) {
			err := <-done
			if err == nil {
				return 0, nil
			}
			if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
				return exitErr.ExitStatus(), nil
			}
			return -1, err
		},
	}, nil
}

func buildPod(params CreateParams, ns string) *corev1.Pod {
	grace := int64(0)

	container := corev1.Container{
		Name:    "sandbox",
		Image:   params.Image,
		Command: []string{"sleep", "infinity"},
	}
	if params.Privileged {
		privileged := true
		container.SecurityContext = &corev1.SecurityContext{Privileged: &privileged}
	}
	if params.CPULimit != "" && params.MemoryLimit != "" {
		limits := corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(params.CPULimit),
			corev1.ResourceMemory: resource.MustParse(params.MemoryLimit),
		}
		container.Resources = corev1.ResourceRequirements{Requests: limits, Limits: limits}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      params.Name,
			Namespace: ns,
			Labels:    map[string]string{"managed-by": labelManagedBy, "session": params.Name},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			TerminationGracePeriodSeconds: &grace,
			Containers:                    []corev1.Container{container},
		},
	}
}

var _ Provider = (*KubernetesProvider)(nil)
