package tokenmgr

import (
	"net/http"
	"os"
	"sync"
	"time"

	"antigravity2api-go/internal/middleware"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// expiryLeeway makes tokens count as expired five minutes early so requests
// never go out with a token about to lapse mid-flight.
const expiryLeeway = 300

// Options configures a Manager.
type Options struct {
	Store *Store
	// DefaultOAuth is used when the token file carries no oauth_config and
	// on environment fallback.
	DefaultOAuth  OAuthConfig
	RotationCount int
	HTTPClient    *http.Client
	// OnReload runs after the pool is replaced (startup and file reloads).
	OnReload func()
}

// Manager owns the project pool. Selection state and project token fields
// are guarded by mu; refreshes per project are coalesced so a stampede of
// expired requests produces a single OAuth call.
type Manager struct {
	store         *Store
	httpClient    *http.Client
	defaultOAuth  OAuthConfig
	rotationCount int
	onReload      func()
	now           func() time.Time

	mu           sync.Mutex
	oauth        OAuthConfig
	projects     []*Project
	currentIndex int
	usageCount   int
	lastSave     time.Time

	flights *inflight
}

func NewManager(opts Options) *Manager {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	rotation := opts.RotationCount
	if rotation < 1 {
		rotation = 1
	}
	return &Manager{
		store:         opts.Store,
		httpClient:    client,
		defaultOAuth:  opts.DefaultOAuth,
		rotationCount: rotation,
		onReload:      opts.OnReload,
		now:           time.Now,
		flights:       newInflight(),
	}
}

// Load populates the pool from the token file, falling back to the PROJECTS
// environment variable when the file is missing or unreadable. An empty pool
// is not an error; requests will fail until projects are configured.
func (m *Manager) Load() error {
	if m.store.Exists() {
		oauth, projects, err := m.store.Load()
		if err == nil {
			m.install(oauth, projects)
			log.Infof("Loaded %d projects from %s", len(projects), m.store.Path())
			return nil
		}
		log.Errorf("Failed to load tokens from file: %v", err)
		log.Warn("Falling back to environment variables")
	} else {
		log.Warnf("Token file %s not found, loading from environment variables", m.store.Path())
	}
	return m.loadFromEnv()
}

func (m *Manager) loadFromEnv() error {
	raw := os.Getenv("PROJECTS")
	if raw == "" {
		raw = "[]"
	}
	projects, err := ParseProjects(raw)
	if err != nil {
		log.Errorf("Failed to load from environment: %v", err)
		m.install(m.defaultOAuth, nil)
		return nil
	}
	m.install(m.defaultOAuth, projects)

	if len(projects) == 0 {
		log.Warn("No projects configured! Service will start but API requests will fail.")
		log.Warnf("Please configure either %s or the PROJECTS environment variable.", m.store.Path())
		return nil
	}
	log.Infof("Loaded %d projects from environment variables", len(projects))

	// Migrate to the file so future token updates persist.
	if err := m.Save(); err != nil {
		log.Errorf("Failed to migrate configuration to file: %v", err)
		log.Warn("Tokens will NOT be persisted - please check file permissions")
		return nil
	}
	log.Infof("Migrated configuration from environment variables to %s", m.store.Path())
	return nil
}

// Reload re-reads the token file, replacing the pool. Used by the file
// watcher when the token file changes on disk.
func (m *Manager) Reload() error {
	oauth, projects, err := m.store.Load()
	if err != nil {
		return err
	}
	m.install(oauth, projects)
	log.Infof("Reloaded %d projects from %s", len(projects), m.store.Path())
	return nil
}

func (m *Manager) install(oauth OAuthConfig, projects []*Project) {
	if oauth.ClientID == "" {
		oauth.ClientID = m.defaultOAuth.ClientID
	}
	if oauth.ClientSecret == "" {
		oauth.ClientSecret = m.defaultOAuth.ClientSecret
	}
	if oauth.TokenURL == "" {
		oauth.TokenURL = m.defaultOAuth.TokenURL
	}
	for _, p := range projects {
		p.SessionID = uuid.New().String()
	}

	m.mu.Lock()
	m.oauth = oauth
	m.projects = projects
	m.currentIndex = 0
	m.usageCount = 0
	m.updateDisabledGaugeLocked()
	m.mu.Unlock()

	if m.onReload != nil {
		m.onReload()
	}
}

// Pick returns the next project by round-robin. Each project serves
// rotationCount requests before the cursor advances; disabled projects are
// skipped.
func (m *Manager) Pick() (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.projects) == 0 {
		return nil, ErrNoProjects
	}
	enabled := 0
	for _, p := range m.projects {
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return nil, ErrAllDisabled
	}

	if m.usageCount >= m.rotationCount {
		m.usageCount = 0
		for attempts := 0; attempts < len(m.projects); attempts++ {
			m.currentIndex = (m.currentIndex + 1) % len(m.projects)
			if m.projects[m.currentIndex].Enabled {
				break
			}
		}
	}

	for attempts := 0; attempts < len(m.projects); attempts++ {
		project := m.projects[m.currentIndex]
		if project.Enabled {
			m.usageCount++
			log.Infof("[Round Robin] Using project [%d/%d]: %s (usage: %d/%d)",
				m.currentIndex+1, len(m.projects), project.ProjectID, m.usageCount, m.rotationCount)
			return project, nil
		}
		m.currentIndex = (m.currentIndex + 1) % len(m.projects)
	}
	return nil, ErrAllDisabled
}

// Projects returns a snapshot of the pool slice. Callers must treat the
// project token fields as owned by the manager.
func (m *Manager) Projects() []*Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Project, len(m.projects))
	copy(out, m.projects)
	return out
}

// Disable permanently removes a project from rotation and persists the
// decision with its reason.
func (m *Manager) Disable(p *Project, reason string) {
	m.mu.Lock()
	p.Enabled = false
	p.DisabledReason = reason
	m.updateDisabledGaugeLocked()
	m.saveLocked()
	m.mu.Unlock()
	log.Errorf("Disabled project %s: %s", p.ProjectID, reason)
}

// Save persists the current pool.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	m.lastSave = m.now()
	if err := m.store.Save(m.oauth, m.projects); err != nil {
		log.Errorf("Failed to save tokens: %v", err)
		return err
	}
	return nil
}

func (m *Manager) updateDisabledGaugeLocked() {
	disabled := 0
	for _, p := range m.projects {
		if !p.Enabled {
			disabled++
		}
	}
	middleware.SetDisabledProjects(disabled)
}

// expiredLocked reports whether the token is missing or lapses within the
// leeway window. Callers must hold m.mu.
func (m *Manager) expiredLocked(p *Project) bool {
	if p.AccessToken == "" || p.ExpiresAt == 0 {
		return true
	}
	return p.ExpiresAt < m.now().Unix()+expiryLeeway
}
