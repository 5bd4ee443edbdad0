// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fwtrust.
//
// go-fwtrust is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package eventlog

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
)

// DefaultLogPath is the binary measurement log exported by the Linux kernel.
const DefaultLogPath = "/sys/kernel/security/tpm0/binary_bios_measurements"

// Source retrieves the raw measurement log.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

func (f SourceFunc) Read(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// FileSource reads the log from a file system.
type FileSource struct {
	Fs   afero.Fs
	Path string
}

// NewFileSource returns a FileSource over the OS file system. An empty path
// uses DefaultLogPath.
func NewFileSource(path string) *FileSource {
	if path == "" {
		path = DefaultLogPath
	}
	return &FileSource{Fs: afero.NewOsFs(), Path: path}
}

func (s *FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs := s.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	raw, err := afero.ReadFile(fs, s.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	return raw, nil
}

// StaticSource serves a fixed log.
type StaticSource []byte

func (s StaticSource) Read(ctx context.Context) ([]byte, error) {
	return append([]byte(nil), s...), nil
}
