package storage

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Fixed paths for the blobfuse2 backend.
const (
	blobfuseConfigPath = "/root/.blobfuse2.yaml"
	blobfuseCacheDir   = "/tmp/blobfuse2-cache"
	blobfuseLogPath    = "/var/log/blobfuse2.log"
)

// blobfuse2 config document layout.
type blobfuseConfig struct {
	Logging    blobfuseLogging `yaml:"logging"`
	Components []string        `yaml:"components"`
	Libfuse    blobfuseLibfuse `yaml:"libfuse"`
	FileCache  blobfuseCache   `yaml:"file_cache"`
	AzStorage  blobfuseAz      `yaml:"azstorage"`
}

type blobfuseLogging struct {
	Type     string `yaml:"type"`
	Level    string `yaml:"level"`
	FilePath string `yaml:"file-path"`
}

type blobfuseLibfuse struct {
	AttributeExpirationSec int `yaml:"attribute-expiration-sec"`
	EntryExpirationSec     int `yaml:"entry-expiration-sec"`
}

type blobfuseCache struct {
	Path string `yaml:"path"`
}

type blobfuseAz struct {
	Type        string `yaml:"type"`
	AccountName string `yaml:"account-name"`
	Container   string `yaml:"container"`
	Mode        string `yaml:"mode"`
	AccountKey  string `yaml:"account-key,omitempty"`
}

func blobfuseConfigDoc(account, container, mode, accountKey string) ([]byte, error) {
	doc := blobfuseConfig{
		Logging: blobfuseLogging{
			Type:     "base",
			Level:    "log_warning",
			FilePath: blobfuseLogPath,
		},
		Components: []string{"libfuse", "file_cache", "attr_cache", "azstorage"},
		Libfuse: blobfuseLibfuse{
			AttributeExpirationSec: 120,
			EntryExpirationSec:     120,
		},
		FileCache: blobfuseCache{Path: blobfuseCacheDir},
		AzStorage: blobfuseAz{
			Type:        "block",
			AccountName: account,
			Container:   container,
			Mode:        mode,
			AccountKey:  accountKey,
		},
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal blobfuse2 config: %w", err)
	}
	return out, nil
}

func blobfuseMountPlan() []string {
	return []string{
		fmt.Sprintf("mkdir -p %s %s", MountPoint, blobfuseCacheDir),
		fmt.Sprintf("chmod 600 %s", blobfuseConfigPath),
		fmt.Sprintf("blobfuse2 mount %s --config-file=%s", MountPoint, blobfuseConfigPath),
	}
}

// BlobfuseKey mounts a blob container through blobfuse2 using a storage
// account key.
type BlobfuseKey struct {
	Account    string
	Container  string
	AccountKey string
}

func (b *BlobfuseKey) Name() string { return "blobfuse2" }

func (b *BlobfuseKey) DelegatedIdentity() bool { return false }

func (b *BlobfuseKey) Validate() error {
	switch {
	case b.Account == "":
		return &ConfigurationError{Backend: b.Name(), Field: "account"}
	case b.Container == "":
		return &ConfigurationError{Backend: b.Name(), Field: "container"}
	case b.AccountKey == "":
		return &ConfigurationError{Backend: b.Name(), Field: "account key"}
	}
	return nil
}

func (b *BlobfuseKey) CredentialsPayload() ([]byte, error) {
	return blobfuseConfigDoc(b.Account, b.Container, "key", b.AccountKey)
}

func (b *BlobfuseKey) CredentialsPath() string { return blobfuseConfigPath }

func (b *BlobfuseKey) MountPlan() []string { return blobfuseMountPlan() }

func (b *BlobfuseKey) UnmountCommand() string {
	return fmt.Sprintf("fusermount -uz %s", MountPoint)
}

func (b *BlobfuseKey) LogPath() string { return blobfuseLogPath }

// BlobfuseCLI mounts a blob container through blobfuse2, delegating
// authentication to az CLI tokens already present on the host. The
// Mounter copies the host's az credential artifacts into the sandbox and
// verifies an authenticated identity before mounting.
type BlobfuseCLI struct {
	Account   string
	Container string
}

func (b *BlobfuseCLI) Name() string { return "blobfuse2" }

func (b *BlobfuseCLI) DelegatedIdentity() bool { return true }

func (b *BlobfuseCLI) Validate() error {
	switch {
	case b.Account == "":
		return &ConfigurationError{Backend: b.Name(), Field: "account"}
	case b.Container == "":
		return &ConfigurationError{Backend: b.Name(), Field: "container"}
	}
	return nil
}

func (b *BlobfuseCLI) CredentialsPayload() ([]byte, error) {
	return blobfuseConfigDoc(b.Account, b.Container, "azcli", "")
}

func (b *BlobfuseCLI) CredentialsPath() string { return blobfuseConfigPath }

func (b *BlobfuseCLI) MountPlan() []string { return blobfuseMountPlan() }

func (b *BlobfuseCLI) UnmountCommand() string {
	return fmt.Sprintf("fusermount -uz %s", MountPoint)
}

func (b *BlobfuseCLI) LogPath() string { return blobfuseLogPath }

var (
	_ Backend = (*BlobfuseKey)(nil)
	_ Backend = (*BlobfuseCLI)(nil)
)
