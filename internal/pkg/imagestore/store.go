// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package imagestore implements the local catalog of squashfs images that
// sarus has converted from OCI images, mirroring the ImageStore class of
// the reference Sarus runtime: a JSON metadata file listing every known
// image plus the on-disk files backing it, guarded by an exclusive
// flock(2) lock on a lock file so concurrent sarus invocations (common on a shared
// login node) cannot corrupt the catalog.
package imagestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/pkg/image"
	"github.com/eth-cscs/sarus/pkg/sylog"
	"github.com/eth-cscs/sarus/pkg/util/fs/lock"
)

// Default lock polling timings, matching the repositoryMetadataLockTimings
// defaults of the reference Sarus runtime: an exclusive lock on the
// metadata file is tried for up to a minute, with a warning logged if it
// has not been acquired after ten seconds.
const (
	DefaultLockTimeout = 60 * time.Second
	DefaultLockWarning = 10 * time.Second
)

// Store manages the image metadata file and backing squashfs/metadata files
// under a single repository directory (either the centralized site
// repository or a user's own image repository).
type Store struct {
	// RepositoryDir is the directory containing the images metadata file
	// and the "images" subdirectory holding squashfs/metadata files.
	RepositoryDir string
	// LockTimeout bounds how long Store waits to acquire the exclusive
	// metadata lock before giving up.
	LockTimeout time.Duration
	// LockWarning is how long Store waits before logging a warning that
	// the metadata lock is still held by another process.
	LockWarning time.Duration
}

func (s Store) metadataFilePath() string {
	return filepath.Join(s.RepositoryDir, "images.json")
}

func (s Store) imagesDir() string {
	return filepath.Join(s.RepositoryDir, "images")
}

// ImageSquashfsFile returns the path at which ref's squashfs backing file
// lives (or should be written) within this store's repository directory,
// derived from ref's UniqueKey so that every reference maps to exactly one
// location.
func (s Store) ImageSquashfsFile(ref image.Reference) (string, error) {
	key, err := ref.UniqueKey()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.imagesDir(), key+".squashfs"), nil
}

// ImageMetadataFile returns the path at which ref's OCI image metadata file
// (config, manifest digest, etc.) lives within this store's repository
// directory.
func (s Store) ImageMetadataFile(ref image.Reference) (string, error) {
	key, err := ref.UniqueKey()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.imagesDir(), key+".meta"), nil
}

func (s Store) lockTimeout() time.Duration {
	if s.LockTimeout > 0 {
		return s.LockTimeout
	}
	return DefaultLockTimeout
}

func (s Store) lockWarning() time.Duration {
	if s.LockWarning > 0 {
		return s.LockWarning
	}
	return DefaultLockWarning
}

// catalog is the on-disk shape of the metadata file.
type catalog struct {
	Images []image.SarusImage `json:"images"`
}

// withLock acquires the exclusive metadata lock, runs fn with the current
// catalog, and if fn returns a non-nil catalog writes it back atomically
// before releasing the lock.
func (s Store) withLock(fn func(c *catalog) (*catalog, error)) error {
	if err := os.MkdirAll(s.RepositoryDir, 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to create repository directory")
	}

	lockPath := s.metadataFilePath() + ".lock"
	if err := ensureFileExists(lockPath); err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to create repository lock file")
	}

	fd, err := lock.AcquireExclusiveTimed(lockPath, s.lockTimeout(), s.lockWarning(), func() {
		sylog.Warningf("Waiting to acquire exclusive lock on image repository %s", s.RepositoryDir)
	})
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to acquire repository metadata lock")
	}
	defer lock.Release(fd)

	c, err := s.readCatalog()
	if err != nil {
		return err
	}

	newCatalog, err := fn(c)
	if err != nil {
		return err
	}
	if newCatalog == nil {
		return nil
	}
	return s.writeCatalog(newCatalog)
}

func ensureFileExists(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s Store) readCatalog() (*catalog, error) {
	data, err := os.ReadFile(s.metadataFilePath())
	if os.IsNotExist(err) {
		return &catalog{}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "failed to read image repository metadata")
	}
	if len(data) == 0 {
		return &catalog{}, nil
	}
	c := &catalog{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "failed to parse image repository metadata")
	}
	return c, nil
}

// writeCatalog serializes c and atomically replaces the metadata file by
// writing to a temporary file in the same directory and renaming it, so a
// reader never observes a partially-written file.
func (s Store) writeCatalog(c *catalog) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to serialize image repository metadata")
	}

	tmp, err := os.CreateTemp(s.RepositoryDir, ".images.json.tmp-*")
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to create temporary metadata file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.IoFailure, err, "failed to write temporary metadata file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.IoFailure, err, "failed to close temporary metadata file")
	}
	if err := os.Rename(tmpPath, s.metadataFilePath()); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.IoFailure, err, "failed to replace image repository metadata")
	}
	return nil
}

// AddImage inserts img into the catalog, replacing any existing entry whose
// reference is equal once normalized.
func (s Store) AddImage(img image.SarusImage) error {
	return s.withLock(func(c *catalog) (*catalog, error) {
		if img.Datetime.IsZero() {
			img.Datetime = time.Now()
		}
		out := make([]image.SarusImage, 0, len(c.Images)+1)
		for _, existing := range c.Images {
			if !existing.Equal(img) {
				out = append(out, existing)
			}
		}
		out = append(out, img)
		c.Images = out
		return c, nil
	})
}

// RemoveImage deletes the catalog entry matching ref, if any, and removes
// its backing files from disk. It is not an error to remove an image that
// is not present.
func (s Store) RemoveImage(ref image.Reference) error {
	return s.withLock(func(c *catalog) (*catalog, error) {
		out := make([]image.SarusImage, 0, len(c.Images))
		for _, existing := range c.Images {
			if existing.Reference.Equal(ref) {
				for _, f := range existing.BackingFiles() {
					if err := os.RemoveAll(f); err != nil && !os.IsNotExist(err) {
						sylog.Warningf("Failed to remove backing file %s for image %s: %v", f, existing.Reference, err)
					}
				}
				continue
			}
			out = append(out, existing)
		}
		c.Images = out
		return c, nil
	})
}

// ListImages returns every catalog entry whose backing files are all still
// present on disk. If any entry's backing files have disappeared since the
// metadata file was last written, ListImages reconciles the catalog under
// the same exclusive lock before returning: the stale entry is dropped, the
// removal is logged, and the trimmed catalog is written back, so that a
// repository tampered with (or partially cleaned up) outside of sarus
// self-heals on the very next call instead of silently drifting further out
// of sync.
func (s Store) ListImages() ([]image.SarusImage, error) {
	var images []image.SarusImage
	err := s.withLock(func(c *catalog) (*catalog, error) {
		kept, removedRefs := reconcile(c.Images)
		images = kept
		if len(removedRefs) == 0 {
			return nil, nil
		}
		sylog.Warningf("Repository inconsistency detected: removing %d catalog entries whose backing files"+
			" are missing: %v", len(removedRefs), removedRefs)
		c.Images = kept
		return c, nil
	})
	return images, err
}

// FindImage returns the catalog entry matching ref, or a NotFound error if
// no image in the repository matches. Like ListImages, it reconciles any
// stale entries before searching.
func (s Store) FindImage(ref image.Reference) (image.SarusImage, error) {
	images, err := s.ListImages()
	if err != nil {
		return image.SarusImage{}, err
	}
	for _, img := range images {
		if img.Reference.Equal(ref) {
			return img, nil
		}
	}
	return image.SarusImage{}, errs.New(errs.NotFound, fmt.Sprintf("image %s not found in repository %s", ref, s.RepositoryDir))
}

// reconcile splits images into the entries whose backing files are all
// still present and the references of those that are not.
func reconcile(images []image.SarusImage) (kept []image.SarusImage, removedRefs []string) {
	kept = make([]image.SarusImage, 0, len(images))
	for _, img := range images {
		if hasAllBackingFiles(img) {
			kept = append(kept, img)
			continue
		}
		removedRefs = append(removedRefs, img.Reference.String())
	}
	return kept, removedRefs
}

// PruneDangling removes every catalog entry whose backing files are missing
// from disk and reports how many were removed. ListImages and FindImage
// already reconcile on every call; PruneDangling remains as an explicit,
// count-reporting entry point for callers that want to force a GC pass and
// know how many entries it cleared.
func (s Store) PruneDangling() (int, error) {
	removed := 0
	err := s.withLock(func(c *catalog) (*catalog, error) {
		kept, removedRefs := reconcile(c.Images)
		removed = len(removedRefs)
		c.Images = kept
		return c, nil
	})
	return removed, err
}

func hasAllBackingFiles(img image.SarusImage) bool {
	for _, f := range img.BackingFiles() {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}
