// Package device provides block device implementations for the core to run
// against: an in-memory device for tests and a file-backed device for disk
// images.
package device

import (
	"fmt"
	"os"

	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/disklayout"
)

// RamDevice keeps the whole device in one byte slice. Used by tests and
// benchmarks to avoid file I/O.
type RamDevice struct {
	data []byte
}

var _ common.BlockDevice = (*RamDevice)(nil)

func NewRamDevice(nrBlocks uint32) *RamDevice {
	return &RamDevice{data: make([]byte, int64(nrBlocks)*disklayout.BlockSize)}
}

func (d *RamDevice) check(b common.Bnum, buf []byte) error {
	if len(buf) != disklayout.BlockSize {
		return fmt.Errorf("device: short buffer for block %d: %d bytes", b, len(buf))
	}
	if int64(b+1)*disklayout.BlockSize > int64(len(d.data)) {
		return fmt.Errorf("device: block %d out of range (size %d)", b, len(d.data))
	}
	return nil
}

func (d *RamDevice) ReadBlock(b common.Bnum, buf []byte) error {
	if err := d.check(b, buf); err != nil {
		return err
	}
	copy(buf, d.data[int64(b)*disklayout.BlockSize:])
	return nil
}

func (d *RamDevice) WriteBlock(b common.Bnum, buf []byte) error {
	if err := d.check(b, buf); err != nil {
		return err
	}
	copy(d.data[int64(b)*disklayout.BlockSize:], buf)
	return nil
}

func (d *RamDevice) Sync() error  { return nil }
func (d *RamDevice) Close() error { return nil }

// FileDevice is a device backed by a regular file or a raw block device
// node, addressed in whole blocks.
type FileDevice struct {
	f *os.File
}

var _ common.BlockDevice = (*FileDevice)(nil)

// OpenFileDevice opens an existing image for block I/O.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}
	return &FileDevice{f: f}, nil
}

// CreateFileDevice creates (or truncates) an image of nrBlocks blocks.
func CreateFileDevice(path string, nrBlocks uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create device %s: %w", path, err)
	}
	if err := f.Truncate(int64(nrBlocks) * disklayout.BlockSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate device %s: %w", path, err)
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) ReadBlock(b common.Bnum, buf []byte) error {
	if len(buf) != disklayout.BlockSize {
		return fmt.Errorf("device: short buffer for block %d: %d bytes", b, len(buf))
	}
	if _, err := d.f.ReadAt(buf, int64(b)*disklayout.BlockSize); err != nil {
		return fmt.Errorf("read block %d: %w", b, err)
	}
	return nil
}

func (d *FileDevice) WriteBlock(b common.Bnum, buf []byte) error {
	if len(buf) != disklayout.BlockSize {
		return fmt.Errorf("device: short buffer for block %d: %d bytes", b, len(buf))
	}
	if _, err := d.f.WriteAt(buf, int64(b)*disklayout.BlockSize); err != nil {
		return fmt.Errorf("write block %d: %w", b, err)
	}
	return nil
}

func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

func (d *FileDevice) Close() error {
	return d.f.Close()
}
