// Package keys generates and checks the age key pair used for offsite copies.
package keys

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"

	"pgdrill/internal/crypto"
)

func Generate(w io.Writer) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	fmt.Fprintln(w, "=== Age Key Pair Generated ===")
	fmt.Fprintf(w, "Public key:  %s\n", identity.Recipient().String())
	fmt.Fprintf(w, "Private key: %s\n", identity.String())
	fmt.Fprintln(w, "\n!! Keep your private key secure, offsite snapshots cannot be restored without it !!")
	return nil
}

// LoadIdentity reads an age private key file. Comment lines written by
// age-keygen are skipped.
func LoadIdentity(privateKeyPath string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return identity, nil
	}
	return nil, fmt.Errorf("no private key found in %s", privateKeyPath)
}

// Test encrypts a probe file to publicKey and decrypts it with the private
// key at privateKeyPath, failing unless the round trip is lossless.
func Test(w io.Writer, publicKey, privateKeyPath string) error {
	recipient, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return fmt.Errorf("failed to parse public key from config: %w", err)
	}
	fmt.Fprintf(w, "Public key from config: %s\n", publicKey)

	identity, err := LoadIdentity(privateKeyPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Private key loaded from: %s\n", privateKeyPath)

	tempDir, err := os.MkdirTemp("", "pgdrill_key_test_*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	probe := filepath.Join(tempDir, "probe.txt")
	if err := os.WriteFile(probe, []byte("pgdrill key pair test "+time.Now().Format(time.RFC3339)), 0o600); err != nil {
		return fmt.Errorf("failed to create test file: %w", err)
	}
	original, err := crypto.BLAKE3File(probe)
	if err != nil {
		return err
	}

	encrypted := probe + ".age"
	if _, err := crypto.EncryptFile(probe, encrypted, recipient); err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	fmt.Fprintln(w, "Encryption successful")

	decrypted, err := crypto.DecryptFile(encrypted, filepath.Join(tempDir, "probe.out"), identity)
	if err != nil {
		return fmt.Errorf("decryption failed, the private key does not match the public key in config: %w", err)
	}
	fmt.Fprintln(w, "Decryption successful")

	if decrypted != original {
		return fmt.Errorf("content mismatch: decrypted content does not match original")
	}
	fmt.Fprintln(w, "Content verification successful")
	return nil
}
