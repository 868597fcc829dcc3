package repository_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/repository"
)

func TestArchiverExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	if err := repo.SaveTask(ctx, testTask("orders")); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		exec := testExecution(id, "orders", base.Add(time.Duration(i)*time.Minute))
		if err := repo.AppendExecution(ctx, exec); err != nil {
			t.Fatalf("AppendExecution(%s) error = %v", id, err)
		}
	}

	tests := []struct {
		name        string
		compression repository.Compression
		wantSuffix  string
	}{
		{name: "none", compression: repository.CompressionNone, wantSuffix: ".jsonl"},
		{name: "gzip", compression: repository.CompressionGzip, wantSuffix: ".jsonl.gz"},
		{name: "lz4", compression: repository.CompressionLZ4, wantSuffix: ".jsonl.lz4"},
		{name: "zstd", compression: repository.CompressionZstd, wantSuffix: ".jsonl.zst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archiver := repository.NewArchiver(t.TempDir(), tt.compression)
			entry, err := archiver.Export(ctx, repo, "orders", 0)
			if err != nil {
				t.Fatalf("Export() error = %v", err)
			}
			if !strings.HasSuffix(entry.Path, tt.wantSuffix) {
				t.Errorf("Export() path = %q, want suffix %q", entry.Path, tt.wantSuffix)
			}
			if entry.Records != 3 {
				t.Errorf("Export() records = %d, want 3", entry.Records)
			}
			if entry.SizeBytes <= 0 {
				t.Errorf("Export() size = %d, want > 0", entry.SizeBytes)
			}
			if !strings.HasPrefix(entry.Checksum, "sha256:") {
				t.Errorf("Export() checksum = %q, want sha256 prefix", entry.Checksum)
			}

			got, err := repository.ReadArchive(entry.Path)
			if err != nil {
				t.Fatalf("ReadArchive() error = %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("ReadArchive() returned %d records, want 3", len(got))
			}
			// Newest first, matching ListExecutions order.
			if got[0].ID != "run-3" || got[2].ID != "run-1" {
				t.Errorf("ReadArchive() order = [%s, %s, %s], want [run-3, run-2, run-1]",
					got[0].ID, got[1].ID, got[2].ID)
			}
			if got[0].Status != models.StatusCompleted || got[0].Inserted != 1150 {
				t.Errorf("ReadArchive()[0] = %+v, want completed with 1150 inserted", got[0])
			}
		})
	}
}

func TestArchiverExportEmpty(t *testing.T) {
	ctx := context.Background()
	archiver := repository.NewArchiver(t.TempDir(), repository.CompressionGzip)
	entry, err := archiver.Export(ctx, repository.NewMemory(), "", 0)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if entry.Records != 0 {
		t.Errorf("Export() records = %d, want 0", entry.Records)
	}
	got, err := repository.ReadArchive(entry.Path)
	if err != nil {
		t.Fatalf("ReadArchive() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadArchive() returned %d records, want 0", len(got))
	}
}

func TestArchiverDefaultCompression(t *testing.T) {
	archiver := repository.NewArchiver(t.TempDir(), "")
	entry, err := archiver.Export(context.Background(), repository.NewMemory(), "", 0)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.HasSuffix(entry.Path, ".jsonl.zst") {
		t.Errorf("Export() path = %q, want .jsonl.zst suffix", entry.Path)
	}
}

func TestCompressionIsValid(t *testing.T) {
	tests := []struct {
		name        string
		compression repository.Compression
		want        bool
	}{
		{name: "none", compression: repository.CompressionNone, want: true},
		{name: "gzip", compression: repository.CompressionGzip, want: true},
		{name: "lz4", compression: repository.CompressionLZ4, want: true},
		{name: "zstd", compression: repository.CompressionZstd, want: true},
		{name: "empty defaults", compression: "", want: true},
		{name: "unknown", compression: "brotli", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.compression.IsValid(); got != tt.want {
				t.Errorf("IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadArchiveMissingFile(t *testing.T) {
	if _, err := repository.ReadArchive("/nonexistent/archive.jsonl"); err == nil {
		t.Fatal("ReadArchive() error = nil, want open error")
	}
}
