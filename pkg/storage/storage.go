// Package storage keeps an archive of uploaded import files so a run can
// be audited or re-imported later. Files are grouped per organization.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the archive holds no file under the given id.
var ErrNotFound = errors.New("archived file not found")

// Archived describes one stored upload. The original filename is kept as
// metadata only; on disk the file lives under its id.
type Archived struct {
	ID          uuid.UUID `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Archive is written to by the import handler on every upload and read by
// the admin surface that lists, downloads, and prunes past uploads.
type Archive interface {
	Save(ctx context.Context, organizationID uuid.UUID, filename, contentType string, r io.Reader) (*Archived, error)
	Open(ctx context.Context, organizationID, fileID uuid.UUID) (io.ReadCloser, *Archived, error)
	List(ctx context.Context, organizationID uuid.UUID) ([]*Archived, error)
	Remove(ctx context.Context, organizationID, fileID uuid.UUID) error
}

// Config selects and tunes the archive backend.
type Config struct {
	LocalPath string
}

// New builds the archive for the given configuration.
func New(cfg *Config) (Archive, error) {
	path := cfg.LocalPath
	if path == "" {
		path = "./uploads"
	}
	return NewLocalArchive(path)
}
