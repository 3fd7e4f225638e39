package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists credential blobs as JSON files under a base directory.
// The identity id is the blob path relative to that directory.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{baseDir: strings.TrimSpace(dir)}
}

// BaseDir returns the configured credential directory.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// List enumerates all credential blobs under the base directory, sorted by
// id. Unreadable or malformed files are skipped.
func (s *FileStore) List(ctx context.Context) ([]*Identity, error) {
	dir := s.baseDir
	if dir == "" {
		return nil, fmt.Errorf("auth filestore: directory not configured")
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	identities := make([]*Identity, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			return nil
		}
		identity, err := s.readBlob(path)
		if err != nil {
			return nil
		}
		if identity != nil {
			identities = append(identities, identity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(identities, func(i, j int) bool { return identities[i].ID < identities[j].ID })
	return identities, nil
}

// Save writes the identity's credentials to its blob path atomically: the
// JSON is written to a temp file in the same directory and renamed over the
// target. Returns the absolute path written.
func (s *FileStore) Save(ctx context.Context, identity *Identity) (string, error) {
	if identity == nil || identity.Credentials == nil {
		return "", fmt.Errorf("auth filestore: nothing to persist")
	}
	path := identity.Path
	if path == "" {
		if identity.ID == "" {
			return "", fmt.Errorf("auth filestore: missing id")
		}
		if s.baseDir == "" {
			return "", fmt.Errorf("auth filestore: directory not configured")
		}
		path = filepath.Join(s.baseDir, identity.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("auth filestore: create dir failed: %w", err)
	}

	creds := identity.Credentials.Clone()
	creds.Disabled = !identity.Enabled
	if creds.Name == "" {
		creds.Name = identity.Name
	}
	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return "", fmt.Errorf("auth filestore: marshal failed: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".kiroproxy-*.tmp")
	if err != nil {
		return "", fmt.Errorf("auth filestore: create temp failed: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("auth filestore: write temp failed: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("auth filestore: close temp failed: %w", err)
	}
	if err = os.Chmod(tmpPath, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("auth filestore: chmod temp failed: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("auth filestore: rename failed: %w", err)
	}

	identity.Path = path
	return path, nil
}

// Delete removes the blob for the given identity id.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("auth filestore: id is empty")
	}
	path := id
	if !filepath.IsAbs(id) {
		if s.baseDir == "" {
			return fmt.Errorf("auth filestore: directory not configured")
		}
		path = filepath.Join(s.baseDir, id)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("auth filestore: delete failed: %w", err)
	}
	return nil
}

func (s *FileStore) readBlob(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var creds Credentials
	if err = json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credential blob: %w", err)
	}
	if strings.TrimSpace(creds.AccessToken) == "" && strings.TrimSpace(creds.RefreshToken) == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	id := s.idFor(path)
	name := creds.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &Identity{
		ID:          id,
		Name:        name,
		Path:        path,
		Enabled:     !creds.Disabled,
		Status:      StatusActive,
		Credentials: &creds,
		CreatedAt:   info.ModTime(),
		UpdatedAt:   info.ModTime(),
	}, nil
}

func (s *FileStore) idFor(path string) string {
	if s.baseDir == "" {
		return path
	}
	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil {
		return path
	}
	return rel
}
