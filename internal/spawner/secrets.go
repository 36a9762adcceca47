package spawner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretProvider resolves the secrets a container sandbox needs at
// launch. Implementations may read a vault, the environment, or a file.
type SecretProvider interface {
	Resolve(taskID string) (map[string]string, error)
}

// StaticSecrets serves a fixed secret map; used in tests and for
// environment-sourced setups.
type StaticSecrets map[string]string

func (s StaticSecrets) Resolve(string) (map[string]string, error) {
	return s, nil
}

// writeSecretFile writes secrets as a KEY=VALUE env file with owner-only
// permissions and returns its path. The caller must delete the file
// after the container launch, whatever the outcome.
func writeSecretFile(dir, taskID string, secrets map[string]string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating secret dir: %w", err)
	}

	var b strings.Builder
	for k, v := range secrets {
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}

	path := filepath.Join(dir, "secrets-"+taskID+".env")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("writing secret file: %w", err)
	}
	return path, nil
}
