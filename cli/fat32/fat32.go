// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fat32 formats raw block devices with a FAT32 filesystem by
// writing the on-disk structures directly, sector by sector. Writing the
// structures ourselves sidesteps host formatters that refuse FAT32 volumes
// above 32GB even though the filesystem itself supports far larger sizes.
package fat32

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/logger"
	"github.com/spruceos/imagewriter/cli/progress"
)

const (
	sectorSize      = 512
	reservedSectors = 32
	numFATs         = 2

	// DefaultPartitionStart is the first sector of the formatted partition,
	// leaving the customary 1MB alignment gap at the front of the device.
	DefaultPartitionStart = 2048
)

var (
	// ErrShortWrite reports a sector write that covered fewer than 512
	// bytes. Sector writes are all-or-nothing; a short one leaves the
	// volume unusable.
	ErrShortWrite = errors.New("short sector write")

	// errGeometry is returned for target sizes too small to hold the
	// reserved region and at least one data cluster.
	errGeometry = errors.New("invalid volume geometry")

	// Wrapped errors for testing.
	errWrite = errors.New("sector write error")

	// Dependency injection for testing.
	now = time.Now
)

// Params holds the derived FAT32 geometry for a volume. It is recomputed
// for every format call and never persisted.
type Params struct {
	SectorsPerCluster uint8
	TotalSectors      uint64
	FATSizeSectors    uint32
	RootCluster       uint32
}

// CalculateParams derives FAT32 geometry for a partition of totalBytes.
// The cluster size brackets follow Microsoft's published FAT32 guidance;
// OS drivers expect volumes in these ranges to use exactly these values.
func CalculateParams(totalBytes uint64) Params {
	totalSectors := totalBytes / sectorSize

	var spc uint8
	switch {
	case totalBytes <= 64*1024*1024:
		spc = 1
	case totalBytes <= 128*1024*1024:
		spc = 2
	case totalBytes <= 256*1024*1024:
		spc = 4
	case totalBytes <= 8*1024*1024*1024:
		spc = 8
	case totalBytes <= 16*1024*1024*1024:
		spc = 16
	case totalBytes <= 32*1024*1024*1024:
		spc = 32
	default:
		spc = 64
	}

	dataSectors := uint64(0)
	if totalSectors > reservedSectors {
		dataSectors = totalSectors - reservedSectors
	}
	clusterCount := dataSectors / uint64(spc)
	fatSize := ((clusterCount+2)*4 + sectorSize - 1) / sectorSize

	return Params{
		SectorsPerCluster: spc,
		TotalSectors:      totalSectors,
		FATSizeSectors:    uint32(fatSize),
		RootCluster:       2,
	}
}

// bootSector builds the FAT32 boot sector (BIOS parameter block included)
// for the given geometry. hiddenSectors is the partition's start sector on
// the physical device.
func bootSector(p Params, label string, hiddenSectors uint32) [sectorSize]byte {
	var b [sectorSize]byte

	// Jump instruction and OEM name.
	b[0], b[1], b[2] = 0xEB, 0x58, 0x90
	copy(b[3:11], "MSWIN4.1")

	binary.LittleEndian.PutUint16(b[11:13], sectorSize)
	b[13] = p.SectorsPerCluster
	binary.LittleEndian.PutUint16(b[14:16], reservedSectors)
	b[16] = numFATs
	// Root entry count, 16-bit total sectors and 16-bit FAT size are all
	// zero on FAT32.
	b[21] = 0xF8 // media descriptor, fixed disk
	binary.LittleEndian.PutUint16(b[24:26], 63)  // sectors per track
	binary.LittleEndian.PutUint16(b[26:28], 255) // heads
	binary.LittleEndian.PutUint32(b[28:32], hiddenSectors)

	total32 := uint32(0xFFFFFFFF)
	if p.TotalSectors <= 0xFFFFFFFF {
		total32 = uint32(p.TotalSectors)
	}
	binary.LittleEndian.PutUint32(b[32:36], total32)
	binary.LittleEndian.PutUint32(b[36:40], p.FATSizeSectors)
	// Ext flags and FS version stay zero.
	binary.LittleEndian.PutUint32(b[44:48], p.RootCluster)
	binary.LittleEndian.PutUint16(b[48:50], 1) // FSInfo sector
	binary.LittleEndian.PutUint16(b[50:52], 6) // backup boot sector
	b[64] = 0x80                               // drive number
	b[66] = 0x29                               // extended boot signature
	binary.LittleEndian.PutUint32(b[67:71], uint32(now().Unix()))
	copy(b[71:82], paddedLabel(label))
	copy(b[82:90], "FAT32   ")
	b[510], b[511] = 0x55, 0xAA

	return b
}

// fsInfoSector builds the FSInfo sector. Free-cluster counts are left as
// "unknown" for the OS driver to recompute lazily on first mount.
func fsInfoSector() [sectorSize]byte {
	var b [sectorSize]byte
	binary.LittleEndian.PutUint32(b[0:4], 0x41615252)
	binary.LittleEndian.PutUint32(b[484:488], 0x61417272)
	binary.LittleEndian.PutUint32(b[488:492], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(b[492:496], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(b[508:512], 0xAA550000)
	return b
}

// fatFirstSector builds the first FAT sector: the media type marker, the
// reserved end-of-chain entry, and an end-of-chain for the root directory
// cluster, which is the only cluster allocated at format time.
func fatFirstSector() [sectorSize]byte {
	var b [sectorSize]byte
	binary.LittleEndian.PutUint32(b[0:4], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(b[4:8], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(b[8:12], 0x0FFFFFFF)
	return b
}

// rootDirSector builds the first sector of the root directory cluster,
// holding a single volume label entry.
func rootDirSector(label string) [sectorSize]byte {
	var b [sectorSize]byte
	copy(b[0:11], paddedLabel(label))
	b[11] = 0x08 // volume label attribute
	return b
}

// paddedLabel space-pads label to the 11 bytes a directory entry holds,
// truncating longer labels rather than overflowing.
func paddedLabel(label string) []byte {
	b := []byte("           ")
	copy(b, label)
	return b
}

// Formatter writes FAT32 structures to a device at a configurable
// partition offset. The zero value formats at the device origin; most
// callers want New.
type Formatter struct {
	// PartitionStartSector is where the partition begins on the device, in
	// sectors. The formatter never assumes it owns the whole device.
	PartitionStartSector uint64
}

// New returns a Formatter using the standard 1MB-aligned partition start.
func New() *Formatter {
	return &Formatter{PartitionStartSector: DefaultPartitionStart}
}

// Format writes a minimal valid FAT32 volume for a device of totalBytes to
// w, labeled with label. Progress events are posted to events best-effort.
// Cancellation is honored between sector writes; an interrupted format
// leaves the volume unusable and must be rerun.
func (f *Formatter) Format(ctx context.Context, w io.WriterAt, totalBytes uint64, label string, events chan<- progress.Event) error {
	progress.Post(events, progress.Event{Kind: progress.Started, Total: totalBytes})
	err := f.format(ctx, w, totalBytes, label, events)
	switch {
	case errors.Is(err, context.Canceled):
		progress.Post(events, progress.Event{Kind: progress.Cancelled})
	case err != nil:
		progress.Post(events, progress.Event{Kind: progress.Error, Err: err})
	default:
		progress.Post(events, progress.Event{Kind: progress.Completed, Done: totalBytes, Total: totalBytes})
	}
	return err
}

func (f *Formatter) format(ctx context.Context, w io.WriterAt, totalBytes uint64, label string, events chan<- progress.Event) error {
	partOffset := f.PartitionStartSector * sectorSize
	if totalBytes <= partOffset+(reservedSectors+1)*sectorSize {
		return fmt.Errorf("%d byte target cannot hold a volume at sector %d: %w", totalBytes, f.PartitionStartSector, errGeometry)
	}
	p := CalculateParams(totalBytes - partOffset)
	logger.V(1).Infof("Formatting %d sectors at %d sectors/cluster (FAT size %d sectors).", p.TotalSectors, p.SectorsPerCluster, p.FATSizeSectors)

	progress.Post(events, progress.Event{Kind: progress.Formatting, Total: totalBytes})

	boot := bootSector(p, label, uint32(f.PartitionStartSector))
	info := fsInfoSector()

	type sectorWrite struct {
		sector uint64
		data   [sectorSize]byte
	}
	writes := []sectorWrite{
		{0, boot},
		{1, info},
		{6, boot}, // backup boot sector
		{7, info}, // backup FSInfo
	}

	// Both FAT copies get the reserved entries followed by zeroed sectors,
	// enough to present a clean table for any cluster the formatter does
	// not explicitly claim.
	fatFirst := fatFirstSector()
	var zero [sectorSize]byte
	clear := uint64(16)
	if uint64(p.FATSizeSectors) < clear {
		clear = uint64(p.FATSizeSectors)
	}
	for copyNum := uint64(0); copyNum < numFATs; copyNum++ {
		start := reservedSectors + copyNum*uint64(p.FATSizeSectors)
		writes = append(writes, sectorWrite{start, fatFirst})
		for i := uint64(1); i < clear; i++ {
			writes = append(writes, sectorWrite{start + i, zero})
		}
	}

	// Root directory cluster: a lone volume label entry, rest zero.
	dataStart := uint64(reservedSectors) + numFATs*uint64(p.FATSizeSectors)
	writes = append(writes, sectorWrite{dataStart, rootDirSector(label)})
	for i := uint64(1); i < uint64(p.SectorsPerCluster); i++ {
		writes = append(writes, sectorWrite{dataStart + i, zero})
	}

	for _, sw := range writes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeSector(w, partOffset+sw.sector*sectorSize, sw.data); err != nil {
			return fmt.Errorf("sector %d: %w", f.PartitionStartSector+sw.sector, err)
		}
	}
	return nil
}

// writeSector writes one full sector at the absolute byte offset. Raw
// device writes are atomic per call, so a short write is fatal rather than
// retried.
func writeSector(w io.WriterAt, offset uint64, data [sectorSize]byte) error {
	n, err := w.WriteAt(data[:], int64(offset))
	if err != nil {
		return fmt.Errorf("WriteAt(%d) returned %v: %w", offset, err, errWrite)
	}
	if n != sectorSize {
		return fmt.Errorf("WriteAt(%d) wrote %d of %d bytes: %w", offset, n, sectorSize, ErrShortWrite)
	}
	return nil
}
