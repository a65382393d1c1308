// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package image holds the value types used to identify and catalogue the
// squashfs images that back Sarus containers: Reference (the
// <server>/<namespace>/<image>:<tag> triple a user requests) and SarusImage
// (the corresponding entry recorded in the local image store).
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/eth-cscs/sarus/pkg/sylog"
)

const (
	squashfsMagic    = "\x68\x73\x71\x73"
	squashfsZlibComp = 1
	squashfsLzmaComp = 2
	squashfsLzoComp  = 3
	squashfsXzComp   = 4
	squashfsLz4Comp  = 5
	squashfsZstdComp = 6

	// headerProbeSize is how many leading bytes of a candidate image file
	// are read in order to locate and parse the squashfs superblock.
	headerProbeSize = 512
)

// squashfsSuperblock mirrors the layout of a v4 squashfs superblock closely
// enough to extract the fields the image store cares about: whether the
// magic number is present, and which compressor was used.
type squashfsSuperblock struct {
	Magic       [4]byte
	Inodes      uint32
	MkfsTime    uint32
	BlockSize   uint32
	Fragments   uint32
	Compression uint16
	BlockLog    uint16
	Flags       uint16
	NoIDs       uint16
	Major       uint16
	Minor       uint16
}

func compressionName(c uint16) string {
	switch c {
	case squashfsZlibComp:
		return "zlib"
	case squashfsLzmaComp:
		return "lzma"
	case squashfsLzoComp:
		return "lzo"
	case squashfsXzComp:
		return "xz"
	case squashfsLz4Comp:
		return "lz4"
	case squashfsZstdComp:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

func parseSquashfsSuperblock(b []byte) (*squashfsSuperblock, error) {
	if len(b) < binary.Size(squashfsSuperblock{}) {
		return nil, fmt.Errorf("buffer too small to contain a squashfs superblock")
	}
	sb := &squashfsSuperblock{}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("failed to read squashfs superblock: %w", err)
	}
	if !bytes.Equal(sb.Magic[:], []byte(squashfsMagic)) {
		return nil, fmt.Errorf("not a valid squashfs image (bad magic)")
	}
	return sb, nil
}

// ValidateSquashfsImage confirms that path points to a regular file starting
// with a valid squashfs superblock, as expected of every image the store
// accepts. It returns the compressor name reported by the superblock for
// informational logging.
func ValidateSquashfsImage(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open image %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat image %q: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%q is a directory, not a squashfs image", path)
	}

	buf := make([]byte, headerProbeSize)
	n, err := f.Read(buf)
	if err != nil || n < len(buf) {
		return "", fmt.Errorf("failed to read squashfs header of %q: %w", path, err)
	}

	sb, err := parseSquashfsSuperblock(buf)
	if err != nil {
		return "", fmt.Errorf("invalid squashfs image %q: %w", path, err)
	}

	name := compressionName(sb.Compression)
	sylog.Debugf("image %s uses squashfs compression %s", path, name)
	return name, nil
}
