//go:build e2e_pg

package e2e

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysGenkeyAndTest(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "keys", "genkey").CombinedOutput()
	require.NoError(t, err, "genkey failed: %s", out)

	var publicKey, privateKey string
	for _, line := range strings.Split(string(out), "\n") {
		if v, ok := strings.CutPrefix(line, "Public key:"); ok {
			publicKey = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "Private key:"); ok {
			privateKey = strings.TrimSpace(v)
		}
	}
	require.True(t, strings.HasPrefix(publicKey, "age1"))
	require.True(t, strings.HasPrefix(privateKey, "AGE-SECRET-KEY-"))

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(keyPath, []byte(privateKey+"\n"), 0o600))
	config := filepath.Join(dir, "pgdrill.yaml")
	require.NoError(t, os.WriteFile(config, []byte(`base_dir: `+dir+`
source:
  url: postgresql://127.0.0.1/app
offsite:
  enabled: true
  age_public_key: `+publicKey+`
  s3:
    bucket: drills
    region: us-east-1
`), 0o600))

	out, err = exec.Command(bin, "--config", config, "keys", "test", "--private-key", keyPath).CombinedOutput()
	require.NoError(t, err, "keys test failed: %s", out)
	assert.Contains(t, string(out), "Content verification successful")
}
