// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package image

import "time"

// SarusImage is a single entry of the local image store's metadata catalog:
// the normalized reference a user pulled, where its squashfs backing file
// and metadata file live on disk, and bookkeeping data used to
// detect repository inconsistencies.
type SarusImage struct {
	Reference    Reference `json:"imageID"`
	ID           string    `json:"id"`
	Datetime     time.Time `json:"datetime"`
	Server       string    `json:"server"`
	Namespace    string    `json:"namespace"`
	Image        string    `json:"image"`
	Tag          string    `json:"tag"`
	Digest       string    `json:"digest,omitempty"`
	ImageFile    string    `json:"file"`
	MetadataFile string    `json:"metadataFile"`
}

// BackingFiles returns every on-disk path the store must find present for
// this image's record to be considered consistent.
func (i SarusImage) BackingFiles() []string {
	files := []string{i.ImageFile}
	if i.MetadataFile != "" {
		files = append(files, i.MetadataFile)
	}
	return files
}

// Equal reports whether two catalog entries describe the same image
// reference, irrespective of pull timestamp or on-disk paths.
func (i SarusImage) Equal(other SarusImage) bool {
	return i.Reference.Equal(other.Reference)
}
