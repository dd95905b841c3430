package internal

import (
	"io"
	"os"
)

// File is the read-only view of an opened file the uploader needs: streaming reads, seeking
// back to the start for a resent body and a fresh stat of the handle.
type File interface {
	io.ReadSeekCloser
	Stat() (os.FileInfo, error)
}

// FileSystem defines the subset of os package functions the upload needs.
// Add more methods as you need them.
type FileSystem interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (File, error)
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) } //nolint:revive

//nolint:revive
func (RealOS) Open(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}
