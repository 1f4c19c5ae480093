package sandbox

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/shellbox-dev/shellbox/internal/config"
	"github.com/shellbox-dev/shellbox/internal/database"
)

var (
	current Provider
	mu      sync.RWMutex
)

// InitProvider picks a sandbox backend. With "auto" it probes Kubernetes
// first, then Docker, and persists the resolved choice so later boots use
// the same backend.
func InitProvider(ctx context.Context) error {
	backend, err := database.GetSetting("sandbox_backend")
	if err != nil || backend == "" {
		backend = config.Cfg.ProviderBackend
	}
	if backend == "" {
		backend = "auto"
	}

	if backend == "auto" || backend == "kubernetes" {
		k8s := &KubernetesProvider{}
		if err := k8s.Initialize(ctx); err == nil && k8s.IsAvailable(ctx) {
			mu.Lock()
			current = k8s
			mu.Unlock()
			log.Println("Sandbox provider: using Kubernetes backend")
			if backend == "auto" {
				_ = database.SetSetting("sandbox_backend", "kubernetes")
			}
			return nil
		} else if err != nil {
			log.Printf("Kubernetes backend unavailable: %v", err)
		}
	}

	if backend == "auto" || backend == "docker" {
		docker := &DockerProvider{}
		if err := docker.Initialize(ctx); err == nil && docker.IsAvailable(ctx) {
			mu.Lock()
			current = docker
			mu.Unlock()
			log.Println("Sandbox provider: using Docker backend")
			if backend == "auto" {
				_ = database.SetSetting("sandbox_backend", "docker")
			}
			return nil
		} else if err != nil {
			log.Printf("Docker backend unavailable: %v", err)
		}
	}

	log.Println("WARNING: No sandbox backend available")
	return fmt.Errorf("no sandbox backend available (tried: %s)", backend)
}

func Get() Provider {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetForTest swaps the active provider (for testing).
func SetForTest(p Provider) {
	mu.Lock()
	current = p
	mu.Unlock()
}
