// Package profiles manages named browser user-data directories and their records.
package profiles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pinchtab/pinchtab/internal/domain"
	"github.com/pinchtab/pinchtab/internal/keylock"
	"github.com/pinchtab/pinchtab/internal/logging"
	"github.com/pinchtab/pinchtab/internal/repository"
)

const (
	importMarker  = ".pinchtab-imported"
	metaFile      = "profile.json"
	stateDirName  = ".pinchtab-state"
	tempPrefix    = "instance-"
	stagingPrefix = ".import-"
)

// Manager owns profile records and their directories.
type Manager struct {
	baseDir string
	store   repository.Store
	locks   *keylock.Map
	log     *logrus.Entry

	mu      sync.Mutex
	pending map[string]bool
}

// NewManager creates a manager rooted at baseDir, creating the directory if needed.
func NewManager(baseDir string, store repository.Store) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profiles dir: %w", err)
	}
	return &Manager{
		baseDir: baseDir,
		store:   store,
		locks:   keylock.New(),
		log:     logging.NewLogger("profiles"),
		pending: make(map[string]bool),
	}, nil
}

// BaseDir returns the directory holding all profiles.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Dir returns the data directory of a profile.
func (m *Manager) Dir(name string) string {
	return filepath.Join(m.baseDir, name)
}

// StateDir returns the per-profile directory handed to a child for its own state.
func (m *Manager) StateDir(name string) string {
	return filepath.Join(m.Dir(name), stateDirName)
}

// ValidateName rejects names that could escape the profiles directory.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return domain.NewError(domain.KindValidation, "profile name cannot be empty")
	}
	if strings.Contains(name, "..") {
		return domain.NewError(domain.KindValidation, "profile name cannot contain '..'")
	}
	if strings.ContainsAny(name, "/\\") {
		return domain.NewError(domain.KindValidation, "profile name cannot contain '/' or '\\'")
	}
	if strings.HasPrefix(name, ".") {
		return domain.NewError(domain.KindValidation, "profile name cannot start with '.'")
	}
	return nil
}

// Create makes an empty profile directory and its record.
func (m *Manager) Create(ctx context.Context, name string, meta domain.ProfileMeta) (*domain.Profile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(name)
	defer unlock()

	if err := m.ensureFree(ctx, name); err != nil {
		return nil, err
	}

	dir := m.Dir(name)
	if err := os.MkdirAll(filepath.Join(dir, "Default"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile dir: %w", err)
	}

	p := m.newProfile(name, domain.ProfileSourceCreated, meta)
	if err := m.store.CreateProfile(ctx, p); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	writeProfileMeta(dir, p)

	m.log.WithField("profile", name).Info("profile created")
	return p, nil
}

// Import copies an existing Chrome user-data directory into a new profile.
// Only the name is reserved while copying, so other profiles stay available.
func (m *Manager) Import(ctx context.Context, name, source string, meta domain.ProfileMeta) (*domain.Profile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := validateImportSource(source); err != nil {
		return nil, err
	}
	if err := m.reserve(ctx, name); err != nil {
		return nil, err
	}
	defer m.release(name)

	log := m.log.WithFields(logrus.Fields{"profile": name, "source": source})
	log.Info("importing profile")

	staging := filepath.Join(m.baseDir, stagingPrefix+name+"-"+uuid.New().String()[:8])
	if err := copyDir(source, staging); err != nil {
		_ = os.RemoveAll(staging)
		return nil, domain.WrapError(domain.KindImport, err, "copy failed")
	}
	if err := os.WriteFile(filepath.Join(staging, importMarker), []byte(source), 0o600); err != nil {
		log.WithError(err).Warn("failed to write import marker")
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	dir := m.Dir(name)
	if err := os.Rename(staging, dir); err != nil {
		_ = os.RemoveAll(staging)
		return nil, domain.WrapError(domain.KindImport, err, "failed to move imported profile into place")
	}

	p := m.newProfile(name, domain.ProfileSourceImported, meta)
	p.SizeMB = dirSizeMB(dir)
	if err := m.store.CreateProfile(ctx, p); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	writeProfileMeta(dir, p)

	log.WithField("sizeMB", p.SizeMB).Info("profile imported")
	return p, nil
}

// List returns all profile records. Temporary instance profiles are
// included only when all is set.
func (m *Manager) List(ctx context.Context, all bool) ([]domain.Profile, error) {
	records, err := m.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	profiles := make([]domain.Profile, 0, len(records))
	for _, p := range records {
		p.Temporary = strings.HasPrefix(p.Name, tempPrefix)
		if p.Temporary && !all {
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Get looks a profile up by name, or by id when given a prof_ identifier.
func (m *Manager) Get(ctx context.Context, nameOrID string) (*domain.Profile, error) {
	var p *domain.Profile
	var err error
	if strings.HasPrefix(nameOrID, "prof_") {
		p, err = m.store.GetProfileByID(ctx, nameOrID)
		if err != nil {
			return nil, err
		}
	}
	if p == nil {
		p, err = m.store.GetProfile(ctx, nameOrID)
		if err != nil {
			return nil, err
		}
	}
	if p == nil {
		return nil, domain.NewError(domain.KindNotFound, "profile %q not found", nameOrID)
	}
	p.Temporary = strings.HasPrefix(p.Name, tempPrefix)
	return p, nil
}

// Patch updates metadata and optionally renames the profile. A failed rename
// leaves both the directory and the record as they were.
func (m *Manager) Patch(ctx context.Context, name string, patch domain.ProfilePatch) (*domain.Profile, error) {
	newName := name
	if patch.Name != nil && *patch.Name != name {
		newName = *patch.Name
		if err := ValidateName(newName); err != nil {
			return nil, err
		}
	}

	unlock := m.locks.LockAll(name, newName)
	defer unlock()

	p, err := m.store.GetProfile(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.NewError(domain.KindNotFound, "profile %q not found", name)
	}

	if patch.UseWhen != nil {
		p.UseWhen = *patch.UseWhen
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	p.UpdatedAt = time.Now()

	if newName == name {
		if err := m.store.UpdateProfile(ctx, p); err != nil {
			return nil, err
		}
		writeProfileMeta(p.Path, p)
		return p, nil
	}

	if err := m.ensureFree(ctx, newName); err != nil {
		return nil, err
	}

	oldDir, newDir := m.Dir(name), m.Dir(newName)
	if err := os.Rename(oldDir, newDir); err != nil {
		return nil, fmt.Errorf("failed to rename profile dir: %w", err)
	}

	p.Name = newName
	p.ID = domain.ProfileID(newName)
	p.Path = newDir
	if err := m.store.RenameProfile(ctx, name, p); err != nil {
		if rbErr := os.Rename(newDir, oldDir); rbErr != nil {
			m.log.WithError(rbErr).WithField("profile", name).Error("failed to roll back profile rename")
		}
		return nil, err
	}
	writeProfileMeta(newDir, p)

	m.log.WithFields(logrus.Fields{"from": name, "to": newName}).Info("profile renamed")
	return p, nil
}

// Delete removes the profile directory and its record.
func (m *Manager) Delete(ctx context.Context, name string) error {
	unlock := m.locks.Lock(name)
	defer unlock()

	p, err := m.store.GetProfile(ctx, name)
	if err != nil {
		return err
	}
	if p == nil {
		return domain.NewError(domain.KindNotFound, "profile %q not found", name)
	}

	if err := os.RemoveAll(m.Dir(name)); err != nil {
		return fmt.Errorf("failed to remove profile dir: %w", err)
	}
	if err := m.store.DeleteProfile(ctx, name); err != nil {
		return err
	}

	m.log.WithField("profile", name).Info("profile deleted")
	return nil
}

var (
	resetDirs = []string{
		"Default/Sessions",
		"Default/Session Storage",
		"Default/Cache",
		"Default/Code Cache",
		"Default/GPUCache",
		"Default/Service Worker",
		"Default/blob_storage",
		"ShaderCache",
		"GrShaderCache",
	}
	resetFiles = []string{
		"Default/Cookies",
		"Default/Cookies-journal",
		"Default/History",
		"Default/History-journal",
		"Default/Visited Links",
	}
)

// Reset clears sessions, caches, cookies and history while keeping the profile.
func (m *Manager) Reset(ctx context.Context, name string) error {
	unlock := m.locks.Lock(name)
	defer unlock()

	p, err := m.store.GetProfile(ctx, name)
	if err != nil {
		return err
	}
	if p == nil {
		return domain.NewError(domain.KindNotFound, "profile %q not found", name)
	}

	dir := m.Dir(name)
	for _, d := range resetDirs {
		if err := os.RemoveAll(filepath.Join(dir, d)); err != nil {
			m.log.WithError(err).WithField("path", d).Warn("reset: failed to remove dir")
		}
	}
	for _, f := range resetFiles {
		_ = os.Remove(filepath.Join(dir, f))
	}

	m.log.WithField("profile", name).Info("profile reset")
	return nil
}

// Discover back-fills records for profile directories that exist on disk
// without one, for example after copying a directory in by hand.
func (m *Manager) Discover(ctx context.Context) ([]domain.Profile, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, err
	}

	var found []domain.Profile
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || ValidateName(name) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.baseDir, name, "Default")); err != nil {
			continue
		}
		source := domain.ProfileSourceCreated
		if _, err := os.Stat(filepath.Join(m.baseDir, name, importMarker)); err == nil {
			source = domain.ProfileSourceImported
		}
		p, created, err := m.backfill(ctx, name, source)
		if err != nil {
			m.log.WithError(err).WithField("profile", name).Warn("failed to back-fill profile")
			continue
		}
		if created {
			found = append(found, *p)
		}
	}
	return found, nil
}

// BackfillFromInstance ensures a record exists for a profile directory that a
// running instance was found using. Missing directories are reported as not found.
func (m *Manager) BackfillFromInstance(ctx context.Context, name string) (*domain.Profile, bool, error) {
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}
	if info, err := os.Stat(m.Dir(name)); err != nil || !info.IsDir() {
		return nil, false, domain.NewError(domain.KindNotFound, "profile dir %q not found", name)
	}
	return m.backfill(ctx, name, domain.ProfileSourceInstance)
}

func (m *Manager) backfill(ctx context.Context, name string, source domain.ProfileSource) (*domain.Profile, bool, error) {
	unlock := m.locks.Lock(name)
	defer unlock()

	existing, err := m.store.GetProfile(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	if m.isPending(name) {
		return nil, false, domain.NewError(domain.KindDuplicateName, "profile %q is being imported", name)
	}

	dir := m.Dir(name)
	meta := readProfileMeta(dir)
	p := m.newProfile(name, source, domain.ProfileMeta{UseWhen: meta.UseWhen, Description: meta.Description})
	if info, err := os.Stat(dir); err == nil {
		p.CreatedAt = info.ModTime()
	}
	p.SizeMB = dirSizeMB(dir)
	if err := m.store.CreateProfile(ctx, p); err != nil {
		return nil, false, err
	}
	m.log.WithFields(logrus.Fields{"profile": name, "source": source}).Info("profile back-filled")
	return p, true, nil
}

func (m *Manager) newProfile(name string, source domain.ProfileSource, meta domain.ProfileMeta) *domain.Profile {
	dir := m.Dir(name)
	now := time.Now()
	p := &domain.Profile{
		ID:          domain.ProfileID(name),
		Name:        name,
		Path:        dir,
		Source:      source,
		UseWhen:     meta.UseWhen,
		Description: meta.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	applyIdentity(p, readChromeProfileIdentity(dir))
	return p
}

// ensureFree must be called with the name lock held.
func (m *Manager) ensureFree(ctx context.Context, name string) error {
	existing, err := m.store.GetProfile(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil || m.isPending(name) {
		return domain.NewError(domain.KindDuplicateName, "profile %q already exists", name)
	}
	if _, err := os.Stat(m.Dir(name)); err == nil {
		return domain.NewError(domain.KindDuplicateName, "profile directory %q already exists", name)
	}
	return nil
}

func (m *Manager) reserve(ctx context.Context, name string) error {
	unlock := m.locks.Lock(name)
	defer unlock()

	if err := m.ensureFree(ctx, name); err != nil {
		return err
	}
	m.mu.Lock()
	m.pending[name] = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	delete(m.pending, name)
	m.mu.Unlock()
}

func (m *Manager) isPending(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[name]
}

func validateImportSource(source string) error {
	if source == "" {
		return domain.NewError(domain.KindValidation, "source path is required")
	}
	info, err := os.Stat(source)
	if err != nil {
		return domain.WrapError(domain.KindImport, err, "source path invalid")
	}
	if !info.IsDir() {
		return domain.NewError(domain.KindImport, "source path must be a directory")
	}
	if _, err := os.Stat(filepath.Join(source, "Default")); err != nil {
		if _, err := os.Stat(filepath.Join(source, "Preferences")); err != nil {
			return domain.NewError(domain.KindImport, "source doesn't look like a Chrome user data dir (no Default/ or Preferences found)")
		}
	}
	return nil
}
