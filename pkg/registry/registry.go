// Package registry manages persistent tenant configuration: gateway binding,
// shared secrets, consent-scope policy, and dispatch recipients.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// DefaultFolderAlias is the whitelisted folder alias assigned when a
	// tenant registers without one.
	DefaultFolderAlias = "desktop_common"

	defaultRetentionDays = 365
	minRetentionDays     = 1
	maxRetentionDays     = 3650
)

var (
	// ErrNotFound indicates the startup_id has no registry entry.
	ErrNotFound = errors.New("registry: tenant not found")
	// ErrInactive indicates the tenant exists but is deactivated.
	ErrInactive = errors.New("registry: tenant inactive")

	startupIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)
)

// ScopePolicy constrains what the collector may accept for a tenant.
type ScopePolicy struct {
	AllowPrefixes   []string `json:"allow_prefixes"`
	DenyPatterns    []string `json:"deny_patterns"`
	AllowedDocTypes []string `json:"allowed_doc_types"`
}

// Tenant is one registered startup.
type Tenant struct {
	StartupID        string      `json:"startup_id"`
	DisplayName      string      `json:"display_name"`
	GatewayURL       string      `json:"gateway_url"`
	FolderAlias      string      `json:"folder_alias"`
	GatewaySecret    string      `json:"gateway_secret"`
	EmailRecipients  []string    `json:"email_recipients"`
	Active           bool        `json:"active"`
	Scope            ScopePolicy `json:"scope"`
	ConsentReference string      `json:"consent_reference"`
	RetentionDays    int         `json:"retention_days"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

type tenantFile struct {
	Tenants []Tenant `json:"tenants"`
}

const tenantSchema = `{
  "type": "object",
  "required": ["startup_id"],
  "properties": {
    "startup_id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{1,63}$"},
    "display_name": {"type": "string", "maxLength": 200},
    "gateway_url": {"type": "string", "maxLength": 500},
    "folder_alias": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{0,63}$"},
    "email_recipients": {"type": "array", "items": {"type": "string", "minLength": 3}},
    "retention_days": {"type": "integer", "minimum": 0, "maximum": 3650}
  }
}`

var compiledTenantSchema = jsonschema.MustCompileString("tenant.json", tenantSchema)

// Registry is a file-backed tenant store. The central process is the single
// writer; all access is serialized.
type Registry struct {
	path  string
	mu    sync.Mutex
	clock func() time.Time
}

// New creates a registry backed by the JSON file at path (conventionally
// config/vc_tenants.json). The file is created on first write.
func New(path string) *Registry {
	return &Registry{path: path, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register creates or updates a tenant. The startup_id is immutable and
// validated against the identifier grammar; defaults are applied for the
// folder alias, allow prefixes, and retention.
func (r *Registry) Register(t Tenant) (*Tenant, error) {
	applyDefaults(&t)
	if err := validateTenant(&t); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tf, err := r.load()
	if err != nil {
		return nil, err
	}

	now := r.clock()
	t.UpdatedAt = now
	replaced := false
	for i, existing := range tf.Tenants {
		if existing.StartupID == t.StartupID {
			t.CreatedAt = existing.CreatedAt
			tf.Tenants[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		t.CreatedAt = now
		tf.Tenants = append(tf.Tenants, t)
	}

	if err := r.save(tf); err != nil {
		return nil, err
	}
	return &t, nil
}

// Get returns the tenant by startup_id, or ErrNotFound.
func (r *Registry) Get(startupID string) (*Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tf, err := r.load()
	if err != nil {
		return nil, err
	}
	for i := range tf.Tenants {
		if tf.Tenants[i].StartupID == startupID {
			t := tf.Tenants[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, startupID)
}

// GetActive returns the tenant only when it exists and is active.
func (r *Registry) GetActive(startupID string) (*Tenant, error) {
	t, err := r.Get(startupID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactive, startupID)
	}
	return t, nil
}

// List returns all tenants sorted by startup_id.
func (r *Registry) List() ([]Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tf, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]Tenant, len(tf.Tenants))
	copy(out, tf.Tenants)
	sort.Slice(out, func(i, j int) bool { return out[i].StartupID < out[j].StartupID })
	return out, nil
}

// BindFolder updates the tenant's gateway binding: URL, folder alias, and
// shared secret. Empty arguments leave the current value in place.
func (r *Registry) BindFolder(startupID, gatewayURL, folderAlias, secret string) (*Tenant, error) {
	return r.update(startupID, func(t *Tenant) error {
		if gatewayURL != "" {
			t.GatewayURL = gatewayURL
		}
		if folderAlias != "" {
			t.FolderAlias = folderAlias
			t.Scope.AllowPrefixes = rootPrefixes(t.Scope.AllowPrefixes, folderAlias)
		}
		if secret != "" {
			t.GatewaySecret = secret
		}
		return nil
	})
}

// SetScopePolicy replaces the tenant's consent-scope policy. Prefixes are
// canonicalized under the tenant's folder alias.
func (r *Registry) SetScopePolicy(startupID string, policy ScopePolicy, consentRef string) (*Tenant, error) {
	return r.update(startupID, func(t *Tenant) error {
		t.Scope = ScopePolicy{
			AllowPrefixes:   rootPrefixes(policy.AllowPrefixes, t.FolderAlias),
			DenyPatterns:    policy.DenyPatterns,
			AllowedDocTypes: policy.AllowedDocTypes,
		}
		if consentRef != "" {
			t.ConsentReference = consentRef
		}
		return nil
	})
}

// SetActive flips the tenant's active flag.
func (r *Registry) SetActive(startupID string, active bool) (*Tenant, error) {
	return r.update(startupID, func(t *Tenant) error {
		t.Active = active
		return nil
	})
}

func (r *Registry) update(startupID string, fn func(*Tenant) error) (*Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tf, err := r.load()
	if err != nil {
		return nil, err
	}
	for i := range tf.Tenants {
		if tf.Tenants[i].StartupID != startupID {
			continue
		}
		if err := fn(&tf.Tenants[i]); err != nil {
			return nil, err
		}
		tf.Tenants[i].UpdatedAt = r.clock()
		if err := r.save(tf); err != nil {
			return nil, err
		}
		t := tf.Tenants[i]
		return &t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, startupID)
}

func validateTenant(t *Tenant) error {
	if !startupIDPattern.MatchString(t.StartupID) {
		return fmt.Errorf("registry: invalid startup_id %q", t.StartupID)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := compiledTenantSchema.Validate(doc); err != nil {
		return fmt.Errorf("registry: tenant validation failed: %w", err)
	}
	return nil
}

func applyDefaults(t *Tenant) {
	if t.FolderAlias == "" {
		t.FolderAlias = DefaultFolderAlias
	}
	if t.RetentionDays == 0 {
		t.RetentionDays = defaultRetentionDays
	}
	if t.RetentionDays < minRetentionDays {
		t.RetentionDays = minRetentionDays
	}
	if t.RetentionDays > maxRetentionDays {
		t.RetentionDays = maxRetentionDays
	}
	t.Scope.AllowPrefixes = rootPrefixes(t.Scope.AllowPrefixes, t.FolderAlias)
}

// rootPrefixes canonicalizes allow prefixes: trailing slash appended, rooted
// under the folder alias. An empty list becomes ["<alias>/"].
func rootPrefixes(prefixes []string, alias string) []string {
	root := alias + "/"
	if len(prefixes) == 0 {
		return []string{root}
	}
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		if !strings.HasPrefix(p, root) {
			p = root + strings.TrimPrefix(p, "/")
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{root}
	}
	return out
}

func (r *Registry) load() (*tenantFile, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return &tenantFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", r.path, err)
	}
	var tf tenantFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", r.path, err)
	}
	return &tf, nil
}

func (r *Registry) save(tf *tenantFile) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("registry: rename: %w", err)
	}
	return nil
}
