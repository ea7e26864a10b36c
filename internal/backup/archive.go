// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
)

// Compression algorithm names accepted by ArchiveOptions.
const (
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

const (
	encSaltSize = 16
	encIVSize   = 16
	encKeySize  = 32

	// argon2id parameters for deriving the archive key
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

// maxEntrySize caps a single extracted entry to guard against
// decompression bombs.
const maxEntrySize = 8 << 30

// ArchiveOptions selects the artifact encoding. The same options used to
// write an archive must be used to read it back.
type ArchiveOptions struct {
	Compression string
	Level       int

	// Passphrase enables AES-256-CTR encryption when non-empty. The key
	// is derived per archive with argon2id over a random salt.
	Passphrase string
}

// ArchiveWriter streams tar entries into a snapshot artifact, layering
// compression and encryption per the options and hashing the stored bytes.
type ArchiveWriter struct {
	file   *os.File
	hasher hash.Hash
	comp   io.WriteCloser
	tw     *tar.Writer
	closed bool
}

// NewArchiveWriter creates the artifact file at dst. The file is created
// exclusively; an existing artifact is never overwritten.
func NewArchiveWriter(dst string, opts ArchiveOptions) (*ArchiveWriter, error) {
	file, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}

	w := &ArchiveWriter{file: file, hasher: sha256.New()}

	// Hash covers the bytes as stored, after compression and encryption,
	// including the encryption header.
	var sink io.Writer = io.MultiWriter(file, w.hasher)

	if opts.Passphrase != "" {
		sink, err = newEncryptWriter(sink, opts.Passphrase)
		if err != nil {
			file.Close() //nolint:errcheck
			os.Remove(dst) //nolint:errcheck
			return nil, err
		}
	}

	comp, err := newCompressWriter(sink, opts)
	if err != nil {
		file.Close() //nolint:errcheck
		os.Remove(dst) //nolint:errcheck
		return nil, err
	}
	w.comp = comp
	w.tw = tar.NewWriter(comp)
	return w, nil
}

func newCompressWriter(sink io.Writer, opts ArchiveOptions) (io.WriteCloser, error) {
	switch opts.Compression {
	case CompressionGzip, "":
		level := opts.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		gz, err := gzip.NewWriterLevel(sink, level)
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		return gz, nil
	case CompressionZstd:
		level := zstd.SpeedDefault
		if opts.Level > 0 {
			level = zstd.EncoderLevelFromZstd(opts.Level)
		}
		zw, err := zstd.NewWriter(sink, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return zw, nil
	case CompressionNone:
		return nopWriteCloser{sink}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", opts.Compression)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newEncryptWriter(sink io.Writer, passphrase string) (io.Writer, error) {
	salt := make([]byte, encSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, encIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	if _, err := sink.Write(salt); err != nil {
		return nil, fmt.Errorf("write encryption header: %w", err)
	}
	if _, err := sink.Write(iv); err != nil {
		return nil, fmt.Errorf("write encryption header: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, encKeySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &cipher.StreamWriter{S: cipher.NewCTR(block, iv), W: sink}, nil
}

// AddBytes writes one regular-file entry from memory.
func (w *ArchiveWriter) AddBytes(name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o640,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write entry header %s: %w", name, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// AddFile streams one regular-file entry from r.
func (w *ArchiveWriter) AddFile(name string, size int64, modTime time.Time, r io.Reader) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o640,
		Size:    size,
		ModTime: modTime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write entry header %s: %w", name, err)
	}
	if _, err := io.CopyN(w.tw, r, size); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// Close finalizes the artifact and returns its checksum and stored size.
// The file is synced to disk before Close returns.
func (w *ArchiveWriter) Close() (checksum string, size int64, err error) {
	if w.closed {
		return "", 0, errors.New("archive already closed")
	}
	w.closed = true

	if err := w.tw.Close(); err != nil {
		w.file.Close() //nolint:errcheck
		return "", 0, fmt.Errorf("finalize tar: %w", err)
	}
	if err := w.comp.Close(); err != nil {
		w.file.Close() //nolint:errcheck
		return "", 0, fmt.Errorf("finalize compression: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close() //nolint:errcheck
		return "", 0, fmt.Errorf("sync artifact: %w", err)
	}

	info, err := w.file.Stat()
	if err != nil {
		w.file.Close() //nolint:errcheck
		return "", 0, fmt.Errorf("stat artifact: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return "", 0, fmt.Errorf("close artifact: %w", err)
	}
	return hex.EncodeToString(w.hasher.Sum(nil)), info.Size(), nil
}

// Abort closes and removes a partially written artifact.
func (w *ArchiveWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.file.Close()           //nolint:errcheck
	os.Remove(w.file.Name()) //nolint:errcheck
}

// ArchiveReader iterates the tar entries of a snapshot artifact.
type ArchiveReader struct {
	file *os.File
	zr   *zstd.Decoder
	tr   *tar.Reader
}

// OpenArchive opens an artifact for reading with the options it was
// written with.
func OpenArchive(src string, opts ArchiveOptions) (*ArchiveReader, error) {
	file, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}

	r := &ArchiveReader{file: file}
	var stream io.Reader = file

	if opts.Passphrase != "" {
		stream, err = newDecryptReader(stream, opts.Passphrase)
		if err != nil {
			file.Close() //nolint:errcheck
			return nil, err
		}
	}

	switch opts.Compression {
	case CompressionGzip, "":
		gz, err := gzip.NewReader(stream)
		if err != nil {
			file.Close() //nolint:errcheck
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		stream = gz
	case CompressionZstd:
		zr, err := zstd.NewReader(stream)
		if err != nil {
			file.Close() //nolint:errcheck
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		r.zr = zr
		stream = zr
	case CompressionNone:
	default:
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("unknown compression algorithm %q", opts.Compression)
	}

	r.tr = tar.NewReader(stream)
	return r, nil
}

func newDecryptReader(stream io.Reader, passphrase string) (io.Reader, error) {
	header := make([]byte, encSaltSize+encIVSize)
	if _, err := io.ReadFull(stream, header); err != nil {
		return nil, fmt.Errorf("read encryption header: %w", err)
	}
	salt, iv := header[:encSaltSize], header[encSaltSize:]

	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, encKeySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &cipher.StreamReader{S: cipher.NewCTR(block, iv), R: stream}, nil
}

// Next advances to the next regular-file entry, skipping anything else.
// Entry names are validated against path traversal.
func (r *ArchiveReader) Next() (*tar.Header, error) {
	for {
		hdr, err := r.tr.Next()
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := validateEntryName(hdr.Name); err != nil {
			return nil, err
		}
		if hdr.Size > maxEntrySize {
			return nil, fmt.Errorf("entry %s exceeds size limit", hdr.Name)
		}
		return hdr, nil
	}
}

// Read reads the current entry's contents.
func (r *ArchiveReader) Read(p []byte) (int, error) {
	return r.tr.Read(p)
}

// ReadEntry consumes the current entry fully.
func (r *ArchiveReader) ReadEntry(hdr *tar.Header) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(hdr.Size))
	if _, err := io.CopyN(&buf, r.tr, hdr.Size); err != nil {
		return nil, fmt.Errorf("read entry %s: %w", hdr.Name, err)
	}
	return buf.Bytes(), nil
}

// Close releases the artifact handle.
func (r *ArchiveReader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	return r.file.Close()
}

func validateEntryName(name string) error {
	if name == "" {
		return errors.New("empty entry name")
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("absolute entry name %q", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("entry name %q escapes archive root", name)
	}
	return nil
}

// ChecksumFile computes the SHA-256 of a file's stored bytes.
func ChecksumFile(src string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
