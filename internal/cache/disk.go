package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// diskBackend keeps one zstd-compressed file per key under a root
// directory. Writes go through a temp file and rename so readers never see
// a partial entry; freshness is judged by file mtime.
type diskBackend struct {
	root    string
	ttl     time.Duration
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newDiskBackend(root string, ttl time.Duration) (*diskBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create root %s: %w", root, err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &diskBackend{root: root, ttl: ttl, encoder: encoder, decoder: decoder}, nil
}

func (d *diskBackend) Name() string { return "disk" }

func (d *diskBackend) path(key Key) string {
	// One level of fanout on the first two digest characters keeps
	// directories small under load.
	return filepath.Join(d.root, key.Digest[:2], key.Digest+".zst")
}

func (d *diskBackend) Get(_ context.Context, key Key) ([]byte, error) {
	path := d.path(key)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.ttl > 0 && time.Since(info.ModTime()) > d.ttl {
		return nil, nil
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return d.decoder.DecodeAll(compressed, nil)
}

func (d *diskBackend) Set(_ context.Context, key Key, data []byte, _ time.Duration) error {
	path := d.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	compressed := d.encoder.EncodeAll(data, nil)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
