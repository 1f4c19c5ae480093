package storage

import "fmt"

// Fixed paths for the s3fs backend.
const (
	s3fsCredsPath = "/root/.passwd-s3fs"
	s3fsCacheDir  = "/tmp/s3fs-cache"
	s3fsLogPath   = "/var/log/s3fs.log"
)

// S3FS mounts an object-storage bucket through the s3fs FUSE driver.
// Only key auth exists for this backend.
type S3FS struct {
	Bucket    string
	Endpoint  string // empty means AWS
	Region    string
	AccessKey string
	SecretKey string
}

func (s *S3FS) Name() string { return "s3fs" }

func (s *S3FS) DelegatedIdentity() bool { return false }

func (s *S3FS) Validate() error {
	switch {
	case s.Bucket == "":
		return &ConfigurationError{Backend: s.Name(), Field: "bucket"}
	case s.AccessKey == "":
		return &ConfigurationError{Backend: s.Name(), Field: "access key"}
	case s.SecretKey == "":
		return &ConfigurationError{Backend: s.Name(), Field: "secret key"}
	}
	return nil
}

// CredentialsPayload is the passwd_file format s3fs reads: the key pair
// joined by a colon.
func (s *S3FS) CredentialsPayload() ([]byte, error) {
	return []byte(s.AccessKey + ":" + s.SecretKey), nil
}

func (s *S3FS) CredentialsPath() string { return s3fsCredsPath }

func (s *S3FS) MountPlan() []string {
	mountCmd := fmt.Sprintf(
		"s3fs %s %s -o passwd_file=%s -o use_cache=%s -o dbglevel=info -o logfile=%s",
		s.Bucket, MountPoint, s3fsCredsPath, s3fsCacheDir, s3fsLogPath,
	)
	if s.Endpoint != "" {
		mountCmd += fmt.Sprintf(" -o url=%s -o use_path_request_style", s.Endpoint)
	}
	if s.Region != "" {
		mountCmd += fmt.Sprintf(" -o endpoint=%s", s.Region)
	}

	return []string{
		fmt.Sprintf("mkdir -p %s %s", MountPoint, s3fsCacheDir),
		fmt.Sprintf("chmod 600 %s", s3fsCredsPath),
		mountCmd,
	}
}

func (s *S3FS) UnmountCommand() string {
	return fmt.Sprintf("fusermount -uz %s", MountPoint)
}

func (s *S3FS) LogPath() string { return s3fsLogPath }

var _ Backend = (*S3FS)(nil)
