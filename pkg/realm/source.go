package realm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Source provides realm definitions. The database is the system of record in
// production; the file source exists for dev/bootstrap setups.
type Source interface {
	// Lookup returns the definition for a tenant, or a *NotFoundError if the
	// tenant has no realm configured at all.
	Lookup(ctx context.Context, tenantID string) (*Definition, error)
}

// StoreSource reads realm definitions from the database
type StoreSource struct {
	db *sql.DB
}

// NewStoreSource creates a database-backed realm source
func NewStoreSource(db *sql.DB) *StoreSource {
	return &StoreSource{db: db}
}

// Lookup fetches the realm definition row for a tenant
func (s *StoreSource) Lookup(ctx context.Context, tenantID string) (*Definition, error) {
	query := `
		SELECT tenant_id, issuer_url, client_id, client_secret, token_url, status
		FROM realms
		WHERE tenant_id = $1
	`

	var def Definition
	var tokenURL sql.NullString
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&def.TenantID,
		&def.IssuerURL,
		&def.ClientID,
		&def.ClientSecret,
		&tokenURL,
		&def.Status,
	)

	if err == sql.ErrNoRows {
		return nil, &NotFoundError{TenantID: tenantID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up realm for tenant %s: %w", tenantID, err)
	}

	if tokenURL.Valid {
		def.TokenURL = tokenURL.String
	}

	return &def, nil
}

// FileSource loads realm definitions from a JSON seed file and hot-reloads it
// when the file changes. Intended for development and bootstrap environments
// where no realm table exists yet.
type FileSource struct {
	path    string
	logger  *observability.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	defs  map[string]*Definition
	close chan struct{}
}

// seedFile is the on-disk format: a list of definitions
type seedFile struct {
	Realms []seedRealm `json:"realms"`
}

type seedRealm struct {
	TenantID     string `json:"tenant_id"`
	IssuerURL    string `json:"issuer_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TokenURL     string `json:"token_url"`
	Status       string `json:"status"`
}

// NewFileSource loads the seed file and starts watching it for changes
func NewFileSource(path string, logger *observability.Logger) (*FileSource, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	fs := &FileSource{
		path:   path,
		logger: logger,
		defs:   make(map[string]*Definition),
		close:  make(chan struct{}),
	}

	if err := fs.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// a watch on the old inode would go silent.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch seed file directory: %w", err)
	}

	fs.watcher = watcher
	go fs.watch()

	return fs, nil
}

// Lookup returns the definition for a tenant from the latest loaded seed
func (fs *FileSource) Lookup(ctx context.Context, tenantID string) (*Definition, error) {
	fs.mu.RLock()
	def, ok := fs.defs[tenantID]
	fs.mu.RUnlock()

	if !ok {
		return nil, &NotFoundError{TenantID: tenantID}
	}

	// Copy so callers can't mutate the shared definition.
	cp := *def
	return &cp, nil
}

// Close stops the file watcher
func (fs *FileSource) Close() error {
	close(fs.close)
	if fs.watcher != nil {
		return fs.watcher.Close()
	}
	return nil
}

func (fs *FileSource) reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return fmt.Errorf("failed to read realm seed file: %w", err)
	}

	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse realm seed file: %w", err)
	}

	defs := make(map[string]*Definition, len(seed.Realms))
	for _, r := range seed.Realms {
		if r.TenantID == "" || r.IssuerURL == "" {
			return fmt.Errorf("realm seed entry missing tenant_id or issuer_url")
		}

		status := Status(r.Status)
		if status == "" {
			status = StatusActive
		}

		defs[r.TenantID] = &Definition{
			TenantID:     r.TenantID,
			IssuerURL:    r.IssuerURL,
			ClientID:     r.ClientID,
			ClientSecret: r.ClientSecret,
			TokenURL:     r.TokenURL,
			Status:       status,
		}
	}

	fs.mu.Lock()
	fs.defs = defs
	fs.mu.Unlock()

	fs.logger.Infof("Loaded %d realm definitions from %s", len(defs), fs.path)
	return nil
}

func (fs *FileSource) watch() {
	for {
		select {
		case <-fs.close:
			return
		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(fs.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := fs.reload(); err != nil {
				// Keep serving the previous definitions on a bad reload.
				fs.logger.WithError(err).Warn("Realm seed file reload failed")
			}
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.WithError(err).Warn("Realm seed file watcher error")
		}
	}
}
