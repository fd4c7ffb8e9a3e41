package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// dirDigest stands in for the content digest of a directory target.
const dirDigest = "dir"

// Fingerprint is the recorded identity of a file at a point in time.
//
// Digest is the content hash; Size and ModTime only serve as a short-circuit
// that lets an unchanged file skip rehashing.
type Fingerprint struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
	Digest  string `json:"digest"`
}

// ArtifactStore resolves task paths against a base directory and answers
// existence and fingerprint queries.
type ArtifactStore struct {
	// BaseDir is the directory relative paths are resolved against.
	BaseDir string
}

// NewArtifactStore creates an ArtifactStore rooted at baseDir.
func NewArtifactStore(baseDir string) *ArtifactStore {
	return &ArtifactStore{BaseDir: baseDir}
}

// Path returns the absolute location of p.
func (s *ArtifactStore) Path(p string) string {
	if filepath.IsAbs(p) || s.BaseDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(s.BaseDir, p)
}

// Exists reports whether p is present.
func (s *ArtifactStore) Exists(p string) (bool, error) {
	_, err := os.Stat(s.Path(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Fingerprint computes the fingerprint of p.
//
// When prev is non-nil, trustMtime is set and both size and mtime match prev,
// the recorded digest is reused instead of rehashing the content. A missing
// file yields an error wrapping fs.ErrNotExist.
func (s *ArtifactStore) Fingerprint(p string, prev *Fingerprint, trustMtime bool) (Fingerprint, error) {
	full := s.Path(p)
	info, err := os.Stat(full)
	if err != nil {
		return Fingerprint{}, err
	}
	fp := Fingerprint{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
	if info.IsDir() {
		fp.Size = 0
		fp.Digest = dirDigest
		return fp, nil
	}
	if trustMtime && prev != nil && prev.Size == fp.Size && prev.ModTime == fp.ModTime && prev.Digest != "" {
		fp.Digest = prev.Digest
		return fp, nil
	}
	digest, err := digestFile(full)
	if err != nil {
		return Fingerprint{}, err
	}
	fp.Digest = digest
	return fp, nil
}

// Digest returns the content digest of p.
func (s *ArtifactStore) Digest(p string) (string, error) {
	return digestFile(s.Path(p))
}

// Remove deletes p. Directories are only removed when empty; a non-empty
// directory is reported as not removed without an error. A missing path is
// not an error either.
func (s *ArtifactStore) Remove(p string) (bool, error) {
	full := s.Path(p)
	info, err := os.Lstat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(full)
		if err != nil {
			return false, err
		}
		if len(entries) > 0 {
			return false, nil
		}
	}
	if err := os.Remove(full); err != nil {
		return false, fmt.Errorf("remove %s: %w", p, err)
	}
	return true, nil
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
