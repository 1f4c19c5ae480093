package storage

import (
	"fmt"

	"github.com/shellbox-dev/shellbox/internal/config"
	"github.com/shellbox-dev/shellbox/internal/crypto"
	"github.com/shellbox-dev/shellbox/internal/database"
)

// Enabled reports whether sessions should attach durable storage. The
// settings row wins over the environment so the flag can be flipped at
// runtime.
func Enabled() bool {
	v, err := database.GetSetting("storage_enabled")
	if err != nil || v == "" {
		return config.Cfg.StorageEnabled
	}
	return v == "true"
}

func settingOr(key, fallback string) string {
	v, err := database.GetSetting(key)
	if err != nil || v == "" {
		return fallback
	}
	return v
}

// secretOr resolves a secret setting, decrypting the stored value.
// Secrets only enter the database encrypted; a plain env value is the
// bootstrap fallback.
func secretOr(key, fallback string) (string, error) {
	v, err := database.GetSetting(key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return fallback, nil
	}
	plain, err := crypto.Decrypt(v)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", key, err)
	}
	return plain, nil
}

// LoadBackend assembles the configured Backend variant from settings and
// environment. The selector pair (backend, auth mode) picks the variant;
// field validation happens later in Mounter.Mount.
func LoadBackend() (Backend, error) {
	backend := settingOr("storage_backend", config.Cfg.StorageBackend)
	authMode := settingOr("storage_auth_mode", config.Cfg.StorageAuthMode)

	switch backend {
	case "s3fs":
		accessKey, err := secretOr("s3_access_key", config.Cfg.S3AccessKey)
		if err != nil {
			return nil, err
		}
		secretKey, err := secretOr("s3_secret_key", config.Cfg.S3SecretKey)
		if err != nil {
			return nil, err
		}
		return &S3FS{
			Bucket:    settingOr("s3_bucket", config.Cfg.S3Bucket),
			Endpoint:  settingOr("s3_endpoint", config.Cfg.S3Endpoint),
			Region:    settingOr("s3_region", config.Cfg.S3Region),
			AccessKey: accessKey,
			SecretKey: secretKey,
		}, nil

	case "blobfuse2":
		account := settingOr("blob_account", config.Cfg.BlobAccount)
		container := settingOr("blob_container", config.Cfg.BlobContainer)
		switch authMode {
		case "key":
			accountKey, err := secretOr("blob_account_key", config.Cfg.BlobAccountKey)
			if err != nil {
				return nil, err
			}
			return &BlobfuseKey{Account: account, Container: container, AccountKey: accountKey}, nil
		case "azcli":
			return &BlobfuseCLI{Account: account, Container: container}, nil
		default:
			return nil, &ConfigurationError{Backend: backend, Reason: fmt.Sprintf("unknown auth mode %q", authMode)}
		}

	default:
		return nil, &ConfigurationError{Backend: backend, Reason: "unknown backend selector"}
	}
}
