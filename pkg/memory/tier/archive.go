package tier

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// compressor is the at-rest compression scheme for archived shards.
type compressor interface {
	// ext is the filename suffix appended to archived shards.
	ext() string
	compress(dst io.Writer, src []byte) error
	decompress(src io.Reader) ([]byte, error)
}

// newCompressor returns the compressor for the named scheme. The default is
// zstd; if the zstd encoder cannot be constructed the manager falls back to
// gzip with a logged warning rather than refusing to archive.
func newCompressor(scheme string, log *slog.Logger) compressor {
	switch scheme {
	case "gzip":
		return gzipCompressor{}
	case "", "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			log.Warn("zstd encoder unavailable, archiving with gzip", "err", err)
			return gzipCompressor{}
		}
		enc.Close()
		return zstdCompressor{}
	default:
		log.Warn("unknown archive scheme, archiving with gzip", "scheme", scheme)
		return gzipCompressor{}
	}
}

// compressorFor picks the compressor matching an existing archive's
// extension, so rewrites preserve the scheme a shard was written with even
// after the configured default changes.
func compressorFor(path string, fallback compressor) compressor {
	switch {
	case strings.HasSuffix(path, ".zst"):
		return zstdCompressor{}
	case strings.HasSuffix(path, ".gz"):
		return gzipCompressor{}
	default:
		return fallback
	}
}

// isArchivePath reports whether path carries an archive compression suffix.
func isArchivePath(path string) bool {
	return strings.HasSuffix(path, ".zst") || strings.HasSuffix(path, ".gz")
}

// readShard returns a shard's decoded text regardless of storage form.
func (m *Manager) readShard(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	if !isArchivePath(path) {
		data, err := io.ReadAll(f)
		if err != nil {
			return "", fmt.Errorf("read shard: %w", err)
		}
		return string(data), nil
	}

	data, err := compressorFor(path, m.archive).decompress(f)
	if err != nil {
		return "", fmt.Errorf("decompress shard: %w", err)
	}
	return string(data), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// zstd
// ─────────────────────────────────────────────────────────────────────────────

type zstdCompressor struct{}

func (zstdCompressor) ext() string { return ".zst" }

func (zstdCompressor) compress(dst io.Writer, src []byte) error {
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return err
	}
	if _, err := enc.Write(src); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func (zstdCompressor) decompress(src io.Reader) ([]byte, error) {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// ─────────────────────────────────────────────────────────────────────────────
// gzip fallback
// ─────────────────────────────────────────────────────────────────────────────

type gzipCompressor struct{}

func (gzipCompressor) ext() string { return ".gz" }

func (gzipCompressor) compress(dst io.Writer, src []byte) error {
	w := gzip.NewWriter(dst)
	if _, err := io.Copy(w, bytes.NewReader(src)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (gzipCompressor) decompress(src io.Reader) ([]byte, error) {
	r, err := gzip.NewReader(src)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
