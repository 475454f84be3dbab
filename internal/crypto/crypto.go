// Package crypto encrypts artifacts for offsite storage and computes the
// BLAKE3 digests that identify them.
package crypto

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

var ErrDigestMismatch = errors.New("BLAKE3 mismatch")

// EncryptFile encrypts inputFile to outputFile and returns the BLAKE3 digest
// of the ciphertext, computed while writing.
func EncryptFile(inputFile, outputFile string, recipient age.Recipient) (string, error) {
	in, err := os.Open(inputFile)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(outputFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	defer out.Close()

	hasher := blake3.New()
	w, err := age.Encrypt(io.MultiWriter(out, hasher), recipient)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, in); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", err
	}

	slog.Debug("Encrypted file", "input", inputFile, "output", outputFile)
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// DecryptFile decrypts inputFile into outputFile and returns the BLAKE3
// digest of the plaintext.
func DecryptFile(inputFile, outputFile string, identity age.Identity) (string, error) {
	in, err := os.Open(inputFile)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(outputFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	defer out.Close()

	r, err := age.Decrypt(in, identity)
	if err != nil {
		return "", err
	}

	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(out, hasher), r); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// BLAKE3File computes the BLAKE3 hash of a file
func BLAKE3File(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// VerifyFile fails with ErrDigestMismatch unless filename hashes to expected.
func VerifyFile(filename, expected string) error {
	actual, err := BLAKE3File(filename)
	if err != nil {
		return fmt.Errorf("failed to calculate BLAKE3: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrDigestMismatch, filename, expected, actual)
	}
	return nil
}
