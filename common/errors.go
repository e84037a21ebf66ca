package common

import "errors"

// The error conditions the core reports to its callers. None of these are
// retried internally; a double free does not appear here because it is a
// caller contract violation and panics instead.
var (
	ErrCorruptSuper   = errors.New("corrupt superblock")
	ErrBitmapMismatch = errors.New("free bitmap disagrees with stored free counters")
	ErrNoSpace        = errors.New("no space left on device")
	ErrFileTooLarge   = errors.New("file too large")
	ErrDirFull        = errors.New("directory full")
	ErrNotFound       = errors.New("no such file or directory")
	ErrExists         = errors.New("file exists")
	ErrNotDir         = errors.New("not a directory")
	ErrIsDir          = errors.New("is a directory")
	ErrNotEmpty       = errors.New("directory not empty")
	ErrNameTooLong    = errors.New("file name too long")
	ErrBusy           = errors.New("resource busy")
)
