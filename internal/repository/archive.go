package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
)

// Compression selects the archive file encoding.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// AllCompressions returns all valid compression types.
func AllCompressions() []Compression {
	return []Compression{CompressionNone, CompressionGzip, CompressionLZ4, CompressionZstd}
}

// IsValid returns true if the compression is a recognized value. Empty
// selects the default.
func (c Compression) IsValid() bool {
	if c == "" {
		return true
	}
	for _, valid := range AllCompressions() {
		if c == valid {
			return true
		}
	}
	return false
}

// ArchiveEntry describes one written archive file.
type ArchiveEntry struct {
	Path      string `json:"path"`
	Records   int    `json:"records"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Archiver exports execution history as JSON-lines files, optionally
// compressed.
type Archiver struct {
	dir         string
	compression Compression
}

// NewArchiver creates an archiver writing into dir with the given
// compression. Empty compression means zstd.
func NewArchiver(dir string, compression Compression) *Archiver {
	if compression == "" {
		compression = CompressionZstd
	}
	return &Archiver{dir: dir, compression: compression}
}

// Export writes recent executions of taskID (empty = all tasks) to a fresh
// archive file and returns its metadata. An export with zero records still
// produces a file.
func (a *Archiver) Export(ctx context.Context, repo Repository, taskID string, limit int) (*ArchiveEntry, error) {
	execs, err := repo.ListExecutions(ctx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	scope := taskID
	if scope == "" {
		scope = "all"
	}
	filename := fmt.Sprintf("executions-%s-%s.jsonl", scope, time.Now().Format("20060102-150405"))
	switch a.compression {
	case CompressionGzip:
		filename += ".gz"
	case CompressionLZ4:
		filename += ".lz4"
	case CompressionZstd:
		filename += ".zst"
	}
	outputPath := filepath.Join(a.dir, filename)

	file, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", outputPath, err)
	}
	defer file.Close()

	var writer io.Writer = file
	var compressCloser io.Closer

	switch a.compression {
	case CompressionGzip:
		gzWriter := gzip.NewWriter(file)
		writer = gzWriter
		compressCloser = gzWriter
	case CompressionLZ4:
		lz4Writer := lz4.NewWriter(file)
		writer = lz4Writer
		compressCloser = lz4Writer
	case CompressionZstd:
		zstdWriter, err := zstd.NewWriter(file)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		writer = zstdWriter
		compressCloser = zstdWriter
	}

	enc := json.NewEncoder(writer)
	for _, exec := range execs {
		select {
		case <-ctx.Done():
			if compressCloser != nil {
				compressCloser.Close()
			}
			return nil, ctx.Err()
		default:
		}
		if err := enc.Encode(exec); err != nil {
			if compressCloser != nil {
				compressCloser.Close()
			}
			return nil, fmt.Errorf("failed to encode execution %s: %w", exec.ID, err)
		}
	}

	// Flush any buffered compressed data before measuring the file.
	if compressCloser != nil {
		if err := compressCloser.Close(); err != nil {
			return nil, fmt.Errorf("failed to close compression writer: %w", err)
		}
	}

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	checksum, err := fileChecksum(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate checksum: %w", err)
	}

	entry := &ArchiveEntry{
		Path:      outputPath,
		Records:   len(execs),
		SizeBytes: fileInfo.Size(),
		Checksum:  checksum,
	}

	logger.Info("execution archive written",
		"path", entry.Path,
		"records", entry.Records,
		"size", entry.SizeBytes,
		"compression", string(a.compression),
	)
	return entry, nil
}

// ReadArchive loads the executions stored in an archive file, transparently
// decoding its compression from the filename suffix.
func ReadArchive(path string) ([]models.TaskExecution, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var reader io.Reader = file
	switch filepath.Ext(path) {
	case ".gz":
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	case ".lz4":
		reader = lz4.NewReader(file)
	case ".zst":
		zstdReader, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd reader: %w", err)
		}
		defer zstdReader.Close()
		reader = zstdReader
	}

	var execs []models.TaskExecution
	dec := json.NewDecoder(reader)
	for {
		var exec models.TaskExecution
		if err := dec.Decode(&exec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode archive record: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}
