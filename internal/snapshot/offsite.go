package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"

	"pgdrill/internal/crypto"
	"pgdrill/internal/failure"
	"pgdrill/internal/manifest"
	"pgdrill/internal/remote"
)

const encryptedExt = ".age"

// Offsite copies artifacts to and from object storage, encrypted with age.
type Offsite struct {
	Backend      remote.Backend
	Recipient    age.Recipient
	AgePublicKey string
}

func objectName(name string) string {
	return name + Ext + encryptedExt
}

func manifestObjectName(name string) string {
	return name + Ext + manifest.Suffix
}

// Push encrypts the artifact, uploads it together with its manifest and
// records the object in the local manifest.
func (o *Offsite) Push(ctx context.Context, a *Artifact) error {
	if a.Manifest == nil {
		return fmt.Errorf("%w: %s has no manifest; only artifacts created by pgdrill can be pushed", failure.ErrArtifactInvalid, a.Path)
	}

	encrypted := a.Path + encryptedExt + ".tmp"
	defer os.Remove(encrypted)

	slog.Info("Encrypting artifact", "artifact", a.Path)
	digest, err := crypto.EncryptFile(a.Path, encrypted, o.Recipient)
	if err != nil {
		return fmt.Errorf("age encryption failed: %w", err)
	}

	key := objectName(a.Name)
	if err := o.Backend.Upload(ctx, encrypted, key, digest); err != nil {
		return err
	}

	mf := *a.Manifest
	mf.Offsite = &manifest.Offsite{
		S3Key:        key,
		AgePublicKey: o.AgePublicKey,
		Blake3Hash:   digest,
		UploadedAt:   time.Now().Unix(),
	}
	manifestPath := manifest.PathFor(a.Path)
	if err := manifest.Write(manifestPath, &mf); err != nil {
		return fmt.Errorf("failed to update manifest: %w", err)
	}
	if err := o.Backend.Upload(ctx, manifestPath, manifestObjectName(a.Name), ""); err != nil {
		return err
	}
	a.Manifest = &mf

	slog.Info("Artifact pushed", "artifact", a.Name, "key", key)
	return nil
}

// Fetch downloads an artifact by name into dir, decrypts it and installs it
// under its final name once the plaintext matches the manifest digest. An
// artifact already present locally is returned as is.
func (o *Offsite) Fetch(ctx context.Context, identity age.Identity, dir, name string) (*Artifact, error) {
	finalPath := filepath.Join(dir, name+Ext)
	if _, err := os.Stat(finalPath); err == nil {
		slog.Info("Artifact already present", "artifact", finalPath)
		return Open(finalPath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	manifestTmp := finalPath + manifest.Suffix + ".download"
	defer os.Remove(manifestTmp)
	if err := o.Backend.Download(ctx, manifestObjectName(name), manifestTmp); err != nil {
		return nil, err
	}
	mf, err := manifest.Read(manifestTmp)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote manifest: %w", err)
	}
	if mf.Offsite == nil {
		return nil, fmt.Errorf("%w: remote manifest for %s has no offsite record", failure.ErrArtifactInvalid, name)
	}

	encrypted := finalPath + encryptedExt + ".download"
	defer os.Remove(encrypted)
	if err := o.Backend.Download(ctx, mf.Offsite.S3Key, encrypted); err != nil {
		return nil, err
	}
	if err := crypto.VerifyFile(encrypted, mf.Offsite.Blake3Hash); err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrArtifactInvalid, err)
	}

	partial := finalPath + partialSuffix
	defer os.Remove(partial)
	digest, err := crypto.DecryptFile(encrypted, partial, identity)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	if digest != mf.Blake3Hash {
		return nil, fmt.Errorf("%w: %w: expected %s, got %s", failure.ErrArtifactInvalid, crypto.ErrDigestMismatch, mf.Blake3Hash, digest)
	}

	if err := os.Link(partial, finalPath); err != nil {
		return nil, fmt.Errorf("failed to install artifact: %w", err)
	}
	if err := manifest.Write(manifest.PathFor(finalPath), mf); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	slog.Info("Artifact fetched", "artifact", finalPath)
	return Open(finalPath)
}
