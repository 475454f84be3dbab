package keys

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKey(t *testing.T, id *age.X25519Identity) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.txt")
	content := "# created: 2024-01-15T10:00:00Z\n# public key: " + id.Recipient().String() + "\n" + id.String() + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGenerate(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Generate(&out))
	assert.Contains(t, out.String(), "Public key:  age1")
	assert.Contains(t, out.String(), "Private key: AGE-SECRET-KEY-1")
}

func TestMatchingPair(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Test(&out, id.Recipient().String(), writeKey(t, id)))
	assert.Contains(t, out.String(), "Content verification successful")
}

func TestMismatchedPair(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	err = Test(&bytes.Buffer{}, other.Recipient().String(), writeKey(t, id))
	assert.ErrorContains(t, err, "does not match")
}

func TestLoadIdentityEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(path, []byte("# nothing here\n"), 0o600))
	_, err := LoadIdentity(path)
	assert.ErrorContains(t, err, "no private key found")
}
