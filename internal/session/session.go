// Package session implements the Session Manager (component H), the
// coordinator that drives a preview session through clone, install, start,
// and ready — and back down through stop or failure. Grounded in the
// original prototype's session_manager.py for the state machine, the
// reuse/recovery policy, and the sweeper semantics; wired to driftline's
// own store, fetch, workspace, process, and cache packages rather than the
// prototype's Supabase client.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/driftline-dev/driftline/internal/apperrors"
	"github.com/driftline-dev/driftline/internal/cache"
	"github.com/driftline-dev/driftline/internal/fetch"
	"github.com/driftline-dev/driftline/internal/logger"
	"github.com/driftline-dev/driftline/internal/process"
	"github.com/driftline-dev/driftline/internal/security"
	"github.com/driftline-dev/driftline/internal/store"
	"github.com/driftline-dev/driftline/internal/workspace"
)

// EventPublisher is the minimal surface the Session Manager needs from the
// event-publishing component; satisfied by internal/events's NATS
// publisher and by its no-op stub when NATS is unconfigured.
type EventPublisher interface {
	PublishStatus(sessionID string, status store.Status)
}

// recordStore is the Record Store Gateway surface the Session Manager
// drives; satisfied by *store.Gateway in production and by a fake in
// tests, the same seam EventPublisher already demonstrates.
type recordStore interface {
	Create(ctx context.Context, r *store.Record) error
	Get(ctx context.Context, id string) (*store.Record, error)
	UpdateStatus(ctx context.Context, id string, status store.Status, errMessage string) error
	ClaimInstance(ctx context.Context, id, containerInstance string) error
	UpdateCommitSHA(ctx context.Context, id, commitSHA string) error
	UpdatePort(ctx context.Context, id string, port int) error
	UpdateActivity(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
	ListForInstance(ctx context.Context, containerInstance string) ([]*store.Record, error)
	FindExpired(ctx context.Context, now time.Time, maxLifetime, idleTimeout time.Duration) ([]*store.Record, error)
	FindIdle(ctx context.Context, now time.Time, idleTimeout time.Duration) ([]*store.Record, error)
	FindActiveForRepo(ctx context.Context, owner, name, ref, selfInstance string) (*store.Record, error)
	ClaimOrphans(ctx context.Context, staleAfter time.Duration) (int64, error)
	PurgeDeleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// repoFetcher is the Repo Fetcher surface the Session Manager drives;
// satisfied by *fetch.Fetcher.
type repoFetcher interface {
	Clone(ctx context.Context, owner, name, ref, token, dir string) (*fetch.Result, error)
	CheckAccess(ctx context.Context, owner, name, token string) error
}

// workspaceManager is the Workspace Manager surface the Session Manager
// drives; satisfied by *workspace.Manager.
type workspaceManager interface {
	Create(sessionID string) (string, error)
	Prepare(ctx context.Context, sessionID, path string) (*workspace.Info, error)
	Cleanup(sessionID string) (bool, error)
}

// processManager is the Process Manager surface the Session Manager drives;
// satisfied by *process.Manager.
type processManager interface {
	Launch(ctx context.Context, opts process.LaunchOptions) (*process.Info, error)
	WaitReady(ctx context.Context, info *process.Info) error
	Get(sessionID string) (*process.Info, bool)
	Stop(sessionID string, gracePeriod time.Duration)
	StopAll(gracePeriod time.Duration)
}

// Config carries the values the Session Manager needs from the process
// configuration that aren't owned by one of its collaborators.
type Config struct {
	InstanceID            string
	PreviewDomain         string
	BaseURL               string
	UseSubdomainRouting   bool
	PreviewPathPrefix     string
	SessionIdleTimeout    time.Duration
	SessionMaxLifetime    time.Duration
	SessionStartupTimeout time.Duration
	CloneTimeout          time.Duration
	InstallTimeout        time.Duration
	PortRangeStart        int
	PortRangeEnd          int
	MaxConcurrentSessions int
	WorkspaceBaseDir      string
}

// Manager orchestrates the full session lifecycle.
type Manager struct {
	cfg        Config
	store      recordStore
	cacheLayer *cache.Cache
	fetcher    repoFetcher
	workspace  workspaceManager
	process    processManager
	events     EventPublisher
	cron       *cron.Cron

	mu         sync.Mutex
	setupTasks map[string]context.CancelFunc
	tokens     map[string]string // session id -> GitHub token, in-memory only
}

// New constructs a Manager and wires its collaborators.
func New(cfg Config, gw *store.Gateway, cacheLayer *cache.Cache, events EventPublisher) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      gw,
		cacheLayer: cacheLayer,
		fetcher:    fetch.New(),
		workspace:  workspace.New(cfg.WorkspaceBaseDir),
		process:    process.New(cfg.PortRangeStart, cfg.PortRangeEnd),
		events:     events,
		cron:       cron.New(),
		setupTasks: make(map[string]context.CancelFunc),
		tokens:     make(map[string]string),
	}
}

// StartSweepers schedules the expiry, idle, and deleted-record purge
// sweepers and begins running them; call once during startup, after
// RecoverOnStartup.
func (m *Manager) StartSweepers() error {
	if _, err := m.cron.AddFunc("@every 1m", m.runExpirySweep); err != nil {
		return fmt.Errorf("schedule expiry sweeper: %w", err)
	}
	if _, err := m.cron.AddFunc("@every 30s", m.runIdleSweep); err != nil {
		return fmt.Errorf("schedule idle sweeper: %w", err)
	}
	if _, err := m.cron.AddFunc("@every 1h", m.runPurgeSweep); err != nil {
		return fmt.Errorf("schedule purge sweeper: %w", err)
	}
	m.cron.Start()
	return nil
}

// previewURL builds the public URL for a ready session, under whichever
// routing mode is configured.
func (m *Manager) previewURL(id, token string) string {
	if m.cfg.UseSubdomainRouting {
		return fmt.Sprintf("https://%s.%s/?token=%s", id, m.cfg.PreviewDomain, token)
	}
	return fmt.Sprintf("%s%s/%s/?token=%s", m.cfg.BaseURL, m.cfg.PreviewPathPrefix, id, token)
}

// Create creates a new session, or returns a reusable existing one for the
// same repo/ref unless forceNew is set. Newly created sessions begin
// background setup immediately and return in the pending state. The
// returned bool reports whether an existing session was reused, regardless
// of its current status — callers use it to pick between the "Existing
// session reused." and "Session creation started." responses of §6.1.
func (m *Manager) Create(ctx context.Context, owner, name, ref, token string, forceNew bool) (*store.Record, string, bool, error) {
	owner, name, ok := security.SanitizeRepoIdentifier(owner, name)
	if !ok {
		return nil, "", false, apperrors.InvalidRepository("owner/name does not look like a valid repository identifier")
	}
	ref, ok = security.SanitizeGitRef(ref)
	if !ok {
		return nil, "", false, apperrors.InvalidRef("ref is not a valid git reference")
	}

	if !forceNew {
		if existing, previewURL, err := m.findExisting(ctx, owner, name, ref); err == nil && existing != nil {
			return existing, previewURL, true, nil
		}
	}

	if m.cfg.MaxConcurrentSessions > 0 {
		active, err := m.store.ListForInstance(ctx, m.cfg.InstanceID)
		if err == nil && len(active) >= m.cfg.MaxConcurrentSessions {
			return nil, "", false, apperrors.CapacityExhausted(fmt.Sprintf("instance is at its concurrent session limit (%d)", m.cfg.MaxConcurrentSessions))
		}
	}

	// Best-effort repository access pre-check: distinguishes "does not
	// exist" from "private, no credentials" up front instead of only
	// discovering it after a clone failure deep in setup. A timeout or
	// network error here falls through to attempting the clone directly.
	precheckCtx, precheckCancel := context.WithTimeout(ctx, 3*time.Second)
	accessErr := m.fetcher.CheckAccess(precheckCtx, owner, name, token)
	precheckCancel()
	if fetchAccessErr, ok := accessErr.(*fetch.AccessError); ok {
		if fetchAccessErr.NotFound {
			return nil, "", false, apperrors.InvalidRepository(fmt.Sprintf("repository %s/%s not found", owner, name))
		}
		return nil, "", false, apperrors.InvalidRepository(fmt.Sprintf("repository %s/%s is private or inaccessible with the supplied credentials", owner, name))
	}

	id, err := security.GenerateSessionID()
	if err != nil {
		return nil, "", false, err
	}
	accessToken, err := security.GenerateAccessToken()
	if err != nil {
		return nil, "", false, err
	}

	record := &store.Record{
		ID:                id,
		RepoOwner:         owner,
		RepoName:          name,
		Ref:               ref,
		Status:            store.StatusPending,
		AccessToken:       accessToken,
		ContainerInstance: m.cfg.InstanceID,
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, "", false, err
	}

	if token != "" {
		m.mu.Lock()
		m.tokens[id] = token
		m.mu.Unlock()
	}

	setupCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.setupTasks[id] = cancel
	m.mu.Unlock()

	go m.setupSession(setupCtx, id)

	return record, "", false, nil
}

// findExisting implements the reuse policy: prefer an active session this
// instance owns, then the most recent active session for the same repo/ref
// owned by any instance, whatever its status (ready or still setting up).
// Only a ready session comes back with a preview URL.
func (m *Manager) findExisting(ctx context.Context, owner, name, ref string) (*store.Record, string, error) {
	existing, err := m.store.FindActiveForRepo(ctx, owner, name, ref, m.cfg.InstanceID)
	if err != nil {
		return nil, "", err
	}
	if existing == nil {
		return nil, "", nil
	}

	_ = m.store.UpdateActivity(ctx, existing.ID)

	if existing.Status == store.StatusReady {
		return existing, m.previewURL(existing.ID, existing.AccessToken), nil
	}
	return existing, "", nil
}

// getCached fetches a session record through the read-through cache: a
// cache hit avoids a Postgres round trip on the hot preview-proxy path; a
// miss falls through to the Gateway and best-effort repopulates the cache
// for RecordTTL.
func (m *Manager) getCached(ctx context.Context, id string) (*store.Record, error) {
	key := cache.SessionKey(id)

	var cached store.Record
	if hit, err := m.cacheLayer.Get(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	}

	record, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.cacheLayer.Set(ctx, key, record, cache.RecordTTL); err != nil {
		logger.Session().Debug().Str("session_id", id).Err(err).Msg("cache set failed")
	}
	return record, nil
}

// invalidateCached evicts a session's cached record so the next read
// observes a status, port, or ownership change immediately instead of
// waiting out RecordTTL.
func (m *Manager) invalidateCached(ctx context.Context, id string) {
	if err := m.cacheLayer.Delete(ctx, cache.SessionKey(id)); err != nil {
		logger.Session().Debug().Str("session_id", id).Err(err).Msg("cache invalidate failed")
	}
}

// Get retrieves a session's current record.
func (m *Manager) Get(ctx context.Context, id string) (*store.Record, string, error) {
	record, err := m.getCached(ctx, id)
	if err != nil {
		return nil, "", err
	}
	previewURL := ""
	if record.Status == store.StatusReady {
		previewURL = m.previewURL(record.ID, record.AccessToken)
	}
	return record, previewURL, nil
}

// ListOwned returns every active session claimed by this instance, for the
// API's "GET /api/sessions" listing.
func (m *Manager) ListOwned(ctx context.Context) ([]*store.Record, error) {
	return m.store.ListForInstance(ctx, m.cfg.InstanceID)
}

// Stop cancels any in-flight setup, tears down the process and workspace,
// and soft-deletes the record. Stopping an already-gone session is a
// successful no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	if cancel, ok := m.setupTasks[id]; ok {
		cancel()
		delete(m.setupTasks, id)
	}
	delete(m.tokens, id)
	m.mu.Unlock()

	m.process.Stop(id, 10*time.Second)
	if _, err := m.workspace.Cleanup(id); err != nil {
		logger.Session().Warn().Str("session_id", id).Err(err).Msg("workspace cleanup failed during stop")
	}

	if err := m.store.SoftDelete(ctx, id); err != nil && err != store.ErrNotFound {
		return err
	}
	m.invalidateCached(ctx, id)
	m.events.PublishStatus(id, store.StatusStopped)
	return nil
}

// UpdateActivity bumps a session's last-activity timestamp, called on
// every proxied preview request.
func (m *Manager) UpdateActivity(ctx context.Context, id string) error {
	return m.store.UpdateActivity(ctx, id)
}

// ValidateAccess checks a presented access token against the session
// record in constant time and returns the local port to proxy to when the
// session is ready and owned by this instance.
func (m *Manager) ValidateAccess(ctx context.Context, id, token string) (*store.Record, int, bool) {
	record, err := m.getCached(ctx, id)
	if err != nil {
		return nil, 0, false
	}
	if !security.ConstantTimeEqual(record.AccessToken, token) {
		return nil, 0, false
	}
	if record.Status != store.StatusReady {
		return record, 0, false
	}
	if record.ContainerInstance != m.cfg.InstanceID {
		return record, 0, false
	}
	info, ok := m.process.Get(id)
	if !ok {
		return record, 0, false
	}
	return record, info.Port, true
}

func (m *Manager) hasSetupInFlight(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.setupTasks[id]
	return ok
}

func loggerWithSession(id string) *zerolog.Logger {
	l := logger.Session().With().Str("session_id", id).Logger()
	return &l
}
