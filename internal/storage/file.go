package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/noahxzhu/chrono-capsule/internal/model"
)

type fileSchema struct {
	Users    []model.User    `json:"users"`
	Capsules []model.Capsule `json:"capsules"`
}

// FileStore keeps every record in one JSON document and rewrites it after
// each mutation. Suited to a single deliverer process.
type FileStore struct {
	mu       sync.RWMutex
	fs       afero.Fs
	filePath string
	data     fileSchema
}

func OpenFile(filePath string) (*FileStore, error) {
	return OpenFileFs(afero.NewOsFs(), filePath)
}

// OpenFileFs loads filePath from fsys. A missing or empty file starts empty.
func OpenFileFs(fsys afero.Fs, filePath string) (*FileStore, error) {
	s := &FileStore{fs: fsys, filePath: filePath}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = fileSchema{Users: []model.User{}, Capsules: []model.Capsule{}}

	data, err := afero.ReadFile(s.fs, s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.data); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	if s.data.Users == nil {
		s.data.Users = []model.User{}
	}
	if s.data.Capsules == nil {
		s.data.Capsules = []model.Capsule{}
	}
	return nil
}

// save must be called with mu held.
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp := s.filePath + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

func (s *FileStore) CreateUser(_ context.Context, name, email string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := model.User{ID: uuid.NewString(), Name: name, Email: email}
	s.data.Users = append(s.data.Users, u)
	if err := s.save(); err != nil {
		s.data.Users = s.data.Users[:len(s.data.Users)-1]
		return model.User{}, storeErr("insert", TableUsers, err)
	}
	return u, nil
}

func (s *FileStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.User, len(s.data.Users))
	copy(result, s.data.Users)
	return result, nil
}

func (s *FileStore) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.data.Users {
		if u.ID == id {
			return u, nil
		}
	}
	return model.User{}, ErrNotFound
}

func (s *FileStore) CreateCapsule(_ context.Context, nc model.NewCapsule) (model.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := model.Capsule{
		ID:             uuid.NewString(),
		Title:          nc.Title,
		Message:        nc.Message,
		RecipientEmail: nc.RecipientEmail,
		ScheduledTime:  nc.ScheduledTime.UTC(),
	}
	s.data.Capsules = append(s.data.Capsules, c)
	if err := s.save(); err != nil {
		s.data.Capsules = s.data.Capsules[:len(s.data.Capsules)-1]
		return model.Capsule{}, storeErr("insert", TableCapsules, err)
	}
	return c, nil
}

func (s *FileStore) filter(keep func(model.Capsule) bool) []model.Capsule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Capsule{}
	for _, c := range s.data.Capsules {
		if keep(c) {
			result = append(result, c)
		}
	}
	return result
}

func (s *FileStore) ListCapsules(_ context.Context) ([]model.Capsule, error) {
	return s.filter(func(model.Capsule) bool { return true }), nil
}

func (s *FileStore) ListPending(_ context.Context) ([]model.Capsule, error) {
	return s.filter(func(c model.Capsule) bool { return !c.IsDelivered }), nil
}

func (s *FileStore) ListPendingDue(_ context.Context, at time.Time) ([]model.Capsule, error) {
	due := s.filter(func(c model.Capsule) bool { return c.DueAt(at) })
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].ScheduledTime.Before(due[j].ScheduledTime)
	})
	return due, nil
}

func (s *FileStore) MarkDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Capsules {
		c := &s.data.Capsules[i]
		if c.ID != id {
			continue
		}
		if c.IsDelivered {
			return nil
		}
		c.IsDelivered = true
		if err := s.save(); err != nil {
			c.IsDelivered = false
			return storeErr("update", TableCapsules, err)
		}
		return nil
	}
	return ErrNotFound
}

func (s *FileStore) Close() error { return nil }
