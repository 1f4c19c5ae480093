package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
)

// ExecFunc matches the shape of Provider.Exec with the handle resolved to
// a name. File helpers and the mount layer are written against this so
// they can be tested with a fake.
type ExecFunc func(ctx context.Context, name string, cmd []string) (stdout, stderr string, exitCode int, err error)

// writeFileViaExec ships file content into the sandbox through the exec
// channel. Content is base64-encoded so arbitrary bytes survive the shell.
func writeFileViaExec(ctx context.Context, execFn ExecFunc, name, filePath string, data []byte) error {
	b64 := base64.StdEncoding.EncodeToString(data)
	cmd := []string{"sh", "-c", fmt.Sprintf("mkdir -p %s && echo '%s' | base64 -d > %s", path.Dir(filePath), b64, filePath)}
	_, stderr, code, err := execFn(ctx, name, cmd)
	if err != nil {
		return fmt.Errorf("write %s: %w", filePath, err)
	}
	if code != 0 {
		return fmt.Errorf("write %s: %s", filePath, strings.TrimSpace(stderr))
	}
	return nil
}

func readFileViaExec(ctx context.Context, execFn ExecFunc, name, filePath string) ([]byte, error) {
	cmd := []string{"sh", "-c", fmt.Sprintf("base64 %s", filePath)}
	stdout, stderr, code, err := execFn(ctx, name, cmd)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("read %s: %s", filePath, strings.TrimSpace(stderr))
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(stdout, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	return data, nil
}
