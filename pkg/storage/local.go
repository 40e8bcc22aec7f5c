package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalArchive stores uploads on the local filesystem. Each organization
// gets one directory holding `<id><ext>` payloads with a `<id>.json`
// sidecar carrying the metadata, so a listing never has to open payloads.
type LocalArchive struct {
	root string
}

func NewLocalArchive(root string) (*LocalArchive, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &LocalArchive{root: root}, nil
}

func (a *LocalArchive) orgDir(organizationID uuid.UUID) string {
	return filepath.Join(a.root, organizationID.String())
}

func (a *LocalArchive) payloadPath(organizationID, fileID uuid.UUID, filename string) string {
	return filepath.Join(a.orgDir(organizationID), fileID.String()+safeExt(filename))
}

func (a *LocalArchive) sidecarPath(organizationID, fileID uuid.UUID) string {
	return filepath.Join(a.orgDir(organizationID), fileID.String()+".json")
}

// Save streams the upload to disk and writes its sidecar. On any failure
// the partial payload is removed again.
func (a *LocalArchive) Save(_ context.Context, organizationID uuid.UUID, filename, contentType string, r io.Reader) (*Archived, error) {
	if err := os.MkdirAll(a.orgDir(organizationID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create organization directory: %w", err)
	}

	info := &Archived{
		ID:          uuid.New(),
		Filename:    filename,
		ContentType: contentType,
		ArchivedAt:  time.Now().UTC(),
	}
	path := a.payloadPath(organizationID, info.ID, filename)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload: %w", err)
	}
	info.SizeBytes, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write payload: %w", err)
	}

	sidecar, err := json.Marshal(info)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(a.sidecarPath(organizationID, info.ID), sidecar, 0o644); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	return info, nil
}

// Open returns the payload reader and its metadata. The caller closes the
// reader.
func (a *LocalArchive) Open(ctx context.Context, organizationID, fileID uuid.UUID) (io.ReadCloser, *Archived, error) {
	info, err := a.stat(organizationID, fileID)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(a.payloadPath(organizationID, fileID, info.Filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return f, info, nil
}

// List returns every archived upload of the organization, newest first.
func (a *LocalArchive) List(_ context.Context, organizationID uuid.UUID) ([]*Archived, error) {
	entries, err := os.ReadDir(a.orgDir(organizationID))
	if os.IsNotExist(err) {
		return []*Archived{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	files := make([]*Archived, 0, len(entries)/2)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		info, err := a.stat(organizationID, id)
		if err != nil {
			continue
		}
		files = append(files, info)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ArchivedAt.After(files[j].ArchivedAt)
	})
	return files, nil
}

// Remove deletes the payload and its sidecar.
func (a *LocalArchive) Remove(_ context.Context, organizationID, fileID uuid.UUID) error {
	info, err := a.stat(organizationID, fileID)
	if err != nil {
		return err
	}

	if err := os.Remove(a.payloadPath(organizationID, fileID, info.Filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	if err := os.Remove(a.sidecarPath(organizationID, fileID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}
	return nil
}

func (a *LocalArchive) stat(organizationID, fileID uuid.UUID) (*Archived, error) {
	data, err := os.ReadFile(a.sidecarPath(organizationID, fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var info Archived
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &info, nil
}

// safeExt keeps a short, alphanumeric extension from the original filename
// so archived payloads stay recognizable on disk. Anything odd is dropped.
func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
