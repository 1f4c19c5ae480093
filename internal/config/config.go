package config

import (
	"log"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/shellbox"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	// TLS for the HTTP listener: "off" serves plain HTTP, "self-signed"
	// generates a certificate on first start and persists it in settings.
	TLSMode string `envconfig:"TLS_MODE" default:"off"`

	// Sandbox provider settings
	ProviderBackend string `envconfig:"PROVIDER_BACKEND" default:"auto"`
	DockerHost      string `envconfig:"DOCKER_HOST" default:""`
	K8sNamespace    string `envconfig:"K8S_NAMESPACE" default:"shellbox"`
	SandboxImage    string `envconfig:"SANDBOX_IMAGE" default:"ghcr.io/shellbox-dev/sandbox:latest"`
	SandboxCPU      string `envconfig:"SANDBOX_CPU" default:"2000m"`
	SandboxMemory   string `envconfig:"SANDBOX_MEMORY" default:"2Gi"`

	// AttachSandbox names a pre-existing sandbox to attach to instead of
	// provisioning a fresh one per session.
	AttachSandbox string `envconfig:"ATTACH_SANDBOX" default:""`

	// Session settings
	IdleTimeout      string `envconfig:"IDLE_TIMEOUT" default:"30m"`
	SessionRetention string `envconfig:"SESSION_RETENTION" default:"720h"`

	// RecordingDir, when set, stores a timestamped I/O transcript per
	// session. Empty disables recording.
	RecordingDir string `envconfig:"RECORDING_DIR" default:""`

	// Maintenance settings. ReaperSchedule is a cron expression; sandboxes
	// older than ReaperMinAge with no live session are destroyed by the
	// sweep. ShutdownGrace bounds how long shutdown waits for sessions to
	// tear down.
	ReaperSchedule string `envconfig:"REAPER_SCHEDULE" default:"*/10 * * * *"`
	ReaperMinAge   string `envconfig:"REAPER_MIN_AGE" default:"10m"`
	ShutdownGrace  string `envconfig:"SHUTDOWN_GRACE" default:"30s"`

	// Storage mount settings
	StorageEnabled  bool   `envconfig:"STORAGE_ENABLED" default:"false"`
	StorageBackend  string `envconfig:"STORAGE_BACKEND" default:"s3fs"`
	StorageAuthMode string `envconfig:"STORAGE_AUTH_MODE" default:"key"`
	S3Bucket        string `envconfig:"S3_BUCKET" default:""`
	S3Endpoint      string `envconfig:"S3_ENDPOINT" default:""`
	S3Region        string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey     string `envconfig:"S3_ACCESS_KEY" default:""`
	S3SecretKey     string `envconfig:"S3_SECRET_KEY" default:""`
	BlobAccount     string `envconfig:"BLOB_ACCOUNT" default:""`
	BlobContainer   string `envconfig:"BLOB_CONTAINER" default:""`
	BlobAccountKey  string `envconfig:"BLOB_ACCOUNT_KEY" default:""`
	AzureConfigDir  string `envconfig:"AZURE_CONFIG_DIR" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SHELLBOX", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "shellbox.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "shellbox.log")
	}
}
