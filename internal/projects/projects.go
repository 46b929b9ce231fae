// Package projects implements SPEC_FULL.md's supplemented list_projects /
// register_project operations: a thin YAML-backed registry of known
// project directories, separate from and not bound by the Supervisor
// Engine's Managed Service invariants (a registered project need not be
// running — it is just a name-to-directory mapping the CLI collaborator
// resolves before calling start_service). Grounded on the teacher's
// internal/config viper.New()+Unmarshal pattern, scaled down to one file
// instead of a full application config tree.
package projects

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// Project is one registered project: a name and the directory holding its
// Procfile.
type Project struct {
	Name string `mapstructure:"name"`
	Dir  string `mapstructure:"dir"`
}

type fileShape struct {
	Projects []Project `mapstructure:"projects"`
}

// Store is a thread-safe, file-backed project registry.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore binds Store to path (created on first Register if absent).
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (fileShape, error) {
	var shape fileShape
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return shape, nil
	}
	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		return shape, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := v.Unmarshal(&shape); err != nil {
		return shape, fmt.Errorf("unmarshal %s: %w", s.path, err)
	}
	return shape, nil
}

func (s *Store) save(shape fileShape) error {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.Set("projects", shape.Projects)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	return v.WriteConfigAs(s.path)
}

// List returns every registered project.
func (s *Store) List() ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shape, err := s.load()
	if err != nil {
		return nil, err
	}
	return shape.Projects, nil
}

// Register adds or replaces the project named p.Name.
func (s *Store) Register(p Project) error {
	if p.Name == "" {
		return fmt.Errorf("project name must not be empty")
	}
	if !filepath.IsAbs(p.Dir) {
		return fmt.Errorf("project %q: dir must be absolute, got %q", p.Name, p.Dir)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	shape, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range shape.Projects {
		if shape.Projects[i].Name == p.Name {
			shape.Projects[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		shape.Projects = append(shape.Projects, p)
	}
	return s.save(shape)
}

// Unregister removes the named project, if present.
func (s *Store) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	shape, err := s.load()
	if err != nil {
		return err
	}
	out := shape.Projects[:0]
	for _, p := range shape.Projects {
		if p.Name != name {
			out = append(out, p)
		}
	}
	shape.Projects = out
	return s.save(shape)
}
