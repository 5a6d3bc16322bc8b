package tokenmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Store reads and writes the token file. The file holds the OAuth client
// config and the project list; session IDs are never written.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Exists reports whether the token file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

type fileProject struct {
	ProjectID      string `json:"project_id"`
	RefreshToken   string `json:"refresh_token"`
	AccessToken    string `json:"access_token"`
	ExpiresAt      int64  `json:"expires_at"`
	Enabled        *bool  `json:"enabled"`
	DisabledReason string `json:"disabled_reason"`
}

type fileLayout struct {
	OAuthConfig OAuthConfig   `json:"oauth_config"`
	Projects    []fileProject `json:"projects"`
}

// Load parses the token file.
func (s *Store) Load() (OAuthConfig, []*Project, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return OAuthConfig{}, nil, fmt.Errorf("read token file: %w", err)
	}
	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return OAuthConfig{}, nil, fmt.Errorf("parse token file: %w", err)
	}
	return layout.OAuthConfig, toProjects(layout.Projects), nil
}

// ParseProjects decodes a PROJECTS-style JSON array of project entries.
func ParseProjects(raw string) ([]*Project, error) {
	var entries []fileProject
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse projects JSON: %w", err)
	}
	return toProjects(entries), nil
}

func toProjects(entries []fileProject) []*Project {
	projects := make([]*Project, 0, len(entries))
	for _, e := range entries {
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		projects = append(projects, &Project{
			ProjectID:      e.ProjectID,
			RefreshToken:   e.RefreshToken,
			AccessToken:    e.AccessToken,
			ExpiresAt:      e.ExpiresAt,
			Enabled:        enabled,
			DisabledReason: e.DisabledReason,
		})
	}
	return projects
}

// Save writes the whole pool back to disk, creating the parent directory as
// needed. The write goes through a temp file and rename so a crash never
// leaves a truncated token file.
func (s *Store) Save(cfg OAuthConfig, projects []*Project) error {
	layout := fileLayout{OAuthConfig: cfg, Projects: make([]fileProject, 0, len(projects))}
	for _, p := range projects {
		enabled := p.Enabled
		layout.Projects = append(layout.Projects, fileProject{
			ProjectID:      p.ProjectID,
			RefreshToken:   p.RefreshToken,
			AccessToken:    p.AccessToken,
			ExpiresAt:      p.ExpiresAt,
			Enabled:        &enabled,
			DisabledReason: p.DisabledReason,
		})
	}

	data, err := json.MarshalIndent(layout, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create token directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		log.Warnf("Token file chmod: %v", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
