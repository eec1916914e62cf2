package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline-dev/driftline/internal/cache"
	"github.com/driftline-dev/driftline/internal/events"
	"github.com/driftline-dev/driftline/internal/fetch"
	"github.com/driftline-dev/driftline/internal/process"
	"github.com/driftline-dev/driftline/internal/store"
	"github.com/driftline-dev/driftline/internal/workspace"
)

// Fake collaborators exercising the recordStore/repoFetcher/
// workspaceManager/processManager seams, the same way EventPublisher
// already has one. These stand in for *store.Gateway/*fetch.Fetcher/
// *workspace.Manager/*process.Manager without a live Postgres, Redis, or
// outbound network.

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*store.Record

	// statusUpdates, when non-nil, receives every status UpdateStatus
	// writes, so a test can block until setup reaches a given state
	// instead of racing it with a sleep.
	statusUpdates chan store.Status

	createErr            error
	findActiveForRepo    *store.Record
	findActiveForRepoErr error
	findExpired          []*store.Record
	findIdle             []*store.Record
	claimOrphansCount    int64
	purgeDeletedCount    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*store.Record)}
}

func (s *fakeStore) put(r *store.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
}

func (s *fakeStore) Create(ctx context.Context, r *store.Record) error {
	if s.createErr != nil {
		return s.createErr
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt, r.LastActivityAt = now, now, now
	s.put(r)
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status store.Status, errMessage string) error {
	s.mu.Lock()
	r, ok := s.records[id]
	if ok {
		r.Status = status
		r.ErrorMessage = errMessage
		r.UpdatedAt = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	if s.statusUpdates != nil {
		select {
		case s.statusUpdates <- status:
		default:
		}
	}
	return nil
}

func (s *fakeStore) ClaimInstance(ctx context.Context, id, containerInstance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	r.ContainerInstance = containerInstance
	return nil
}

func (s *fakeStore) UpdateCommitSHA(ctx context.Context, id, commitSHA string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	r.CommitSHA = commitSHA
	return nil
}

func (s *fakeStore) UpdatePort(ctx context.Context, id string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Port = port
	return nil
}

func (s *fakeStore) UpdateActivity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.LastActivityAt = time.Now()
	}
	return nil
}

func (s *fakeStore) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	r.DeletedAt = &now
	r.Status = store.StatusStopped
	return nil
}

func (s *fakeStore) ListForInstance(ctx context.Context, containerInstance string) ([]*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Record
	for _, r := range s.records {
		if r.ContainerInstance == containerInstance && r.IsActive() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) FindExpired(ctx context.Context, now time.Time, maxLifetime, idleTimeout time.Duration) ([]*store.Record, error) {
	return s.findExpired, nil
}

func (s *fakeStore) FindIdle(ctx context.Context, now time.Time, idleTimeout time.Duration) ([]*store.Record, error) {
	return s.findIdle, nil
}

func (s *fakeStore) FindActiveForRepo(ctx context.Context, owner, name, ref, selfInstance string) (*store.Record, error) {
	return s.findActiveForRepo, s.findActiveForRepoErr
}

func (s *fakeStore) ClaimOrphans(ctx context.Context, staleAfter time.Duration) (int64, error) {
	return s.claimOrphansCount, nil
}

func (s *fakeStore) PurgeDeleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.purgeDeletedCount, nil
}

type fakeFetcher struct {
	checkAccessErr error

	cloneErr    error
	cloneResult *fetch.Result
	// cloneBlock, when non-nil, makes Clone block until ctx is cancelled,
	// simulating an in-flight clone for cancellation tests.
	cloneBlock chan struct{}
}

func (f *fakeFetcher) CheckAccess(ctx context.Context, owner, name, token string) error {
	return f.checkAccessErr
}

func (f *fakeFetcher) Clone(ctx context.Context, owner, name, ref, token, dir string) (*fetch.Result, error) {
	if f.cloneBlock != nil {
		select {
		case <-f.cloneBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.cloneErr != nil {
		return nil, f.cloneErr
	}
	if f.cloneResult != nil {
		return f.cloneResult, nil
	}
	return &fetch.Result{Path: dir, Ref: ref, CommitSHA: "deadbeef"}, nil
}

type fakeWorkspace struct {
	createErr    error
	prepareErr   error
	cleanupCalls int32
}

func (w *fakeWorkspace) Create(sessionID string) (string, error) {
	if w.createErr != nil {
		return "", w.createErr
	}
	return "/workspaces/" + sessionID, nil
}

func (w *fakeWorkspace) Prepare(ctx context.Context, sessionID, path string) (*workspace.Info, error) {
	if w.prepareErr != nil {
		return nil, w.prepareErr
	}
	return &workspace.Info{
		SessionID: sessionID,
		Path:      path,
		Framework: workspace.FrameworkVite,
		StartArgv: []string{"npx", "vite", "--host"},
	}, nil
}

func (w *fakeWorkspace) Cleanup(sessionID string) (bool, error) {
	atomic.AddInt32(&w.cleanupCalls, 1)
	return true, nil
}

type fakeProcess struct {
	launchErr    error
	waitReadyErr error
	port         int

	mu        sync.Mutex
	launched  map[string]*process.Info
	stopCalls int32
}

func (p *fakeProcess) Launch(ctx context.Context, opts process.LaunchOptions) (*process.Info, error) {
	if p.launchErr != nil {
		return nil, p.launchErr
	}
	port := p.port
	if port == 0 {
		port = 41000
	}
	info := &process.Info{SessionID: opts.SessionID, Port: port, PID: 4242, StartedAt: time.Now()}
	p.mu.Lock()
	if p.launched == nil {
		p.launched = make(map[string]*process.Info)
	}
	p.launched[opts.SessionID] = info
	p.mu.Unlock()
	return info, nil
}

func (p *fakeProcess) WaitReady(ctx context.Context, info *process.Info) error {
	return p.waitReadyErr
}

func (p *fakeProcess) Get(sessionID string) (*process.Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.launched[sessionID]
	return info, ok
}

func (p *fakeProcess) Stop(sessionID string, gracePeriod time.Duration) {
	atomic.AddInt32(&p.stopCalls, 1)
}

func (p *fakeProcess) StopAll(gracePeriod time.Duration) {}

func newTestManager(cfg Config, st recordStore, f repoFetcher, ws workspaceManager, proc processManager) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		cacheLayer: &cache.Cache{},
		fetcher:    f,
		workspace:  ws,
		process:    proc,
		events:     &events.Publisher{},
		cron:       cron.New(),
		setupTasks: make(map[string]context.CancelFunc),
		tokens:     make(map[string]string),
	}
}

// waitForStatus drains statusUpdates until it observes want, failing the
// test if StatusFailed arrives unexpectedly first or the deadline passes.
func waitForStatus(t *testing.T, ch <-chan store.Status, want store.Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
			if got == store.StatusFailed && want != store.StatusFailed {
				t.Fatalf("setup reached failed while waiting for %s", want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func baseConfig() Config {
	return Config{
		InstanceID:            "inst-1",
		CloneTimeout:          time.Second,
		InstallTimeout:        time.Second,
		SessionStartupTimeout: time.Second,
		PortRangeStart:        3000,
		PortRangeEnd:          3100,
	}
}

func TestCreate_ReusesExisting_ReturnsReusedRegardlessOfStatus(t *testing.T) {
	for _, status := range []store.Status{store.StatusPending, store.StatusCloning, store.StatusInstalling, store.StatusStarting} {
		t.Run(string(status), func(t *testing.T) {
			fs := newFakeStore()
			existing := &store.Record{ID: "sess-existing", RepoOwner: "acme", RepoName: "app", Ref: "main", Status: status, ContainerInstance: "inst-1", AccessToken: "tok"}
			fs.put(existing)
			fs.findActiveForRepo = existing

			m := newTestManager(baseConfig(), fs, &fakeFetcher{}, &fakeWorkspace{}, &fakeProcess{})

			record, previewURL, reused, err := m.Create(context.Background(), "acme", "app", "main", "", false)
			require.NoError(t, err)
			assert.True(t, reused, "a non-ready but active matching session must still be reported reused")
			assert.Equal(t, "sess-existing", record.ID)
			assert.Empty(t, previewURL, "no preview url until the reused session is ready")
		})
	}
}

func TestCreate_ReusesExisting_ReadyIncludesPreviewURL(t *testing.T) {
	fs := newFakeStore()
	existing := &store.Record{ID: "sess-ready", RepoOwner: "acme", RepoName: "app", Ref: "main", Status: store.StatusReady, ContainerInstance: "inst-2", AccessToken: "tok"}
	fs.put(existing)
	fs.findActiveForRepo = existing

	cfg := baseConfig()
	cfg.BaseURL = "https://app.example.com"
	cfg.PreviewPathPrefix = "/preview"
	m := newTestManager(cfg, fs, &fakeFetcher{}, &fakeWorkspace{}, &fakeProcess{})

	record, previewURL, reused, err := m.Create(context.Background(), "acme", "app", "main", "", false)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, "sess-ready", record.ID)
	assert.Contains(t, previewURL, "sess-ready")
}

func TestCreate_ForceNew_SkipsReuse(t *testing.T) {
	fs := newFakeStore()
	fs.statusUpdates = make(chan store.Status, 16)
	existing := &store.Record{ID: "sess-existing", RepoOwner: "acme", RepoName: "app", Ref: "main", Status: store.StatusReady, ContainerInstance: "inst-1", AccessToken: "tok"}
	fs.put(existing)
	fs.findActiveForRepo = existing

	m := newTestManager(baseConfig(), fs, &fakeFetcher{}, &fakeWorkspace{}, &fakeProcess{})

	record, _, reused, err := m.Create(context.Background(), "acme", "app", "main", "", true)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, "sess-existing", record.ID)
	waitForStatus(t, fs.statusUpdates, store.StatusReady)
}

func TestCreate_NewSession_SetupReachesReady(t *testing.T) {
	fs := newFakeStore()
	fs.statusUpdates = make(chan store.Status, 16)
	proc := &fakeProcess{port: 41555}

	m := newTestManager(baseConfig(), fs, &fakeFetcher{}, &fakeWorkspace{}, proc)

	record, _, reused, err := m.Create(context.Background(), "acme", "app", "main", "", false)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, store.StatusPending, record.Status)

	waitForStatus(t, fs.statusUpdates, store.StatusReady)

	got, err := fs.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
	assert.Equal(t, 41555, got.Port)
	assert.Equal(t, "deadbeef", got.CommitSHA)
}

func TestCreate_NewSession_CloneFailureMarksFailed(t *testing.T) {
	fs := newFakeStore()
	fs.statusUpdates = make(chan store.Status, 16)
	fetcher := &fakeFetcher{cloneErr: errors.New("repository not found")}
	ws := &fakeWorkspace{}

	m := newTestManager(baseConfig(), fs, fetcher, ws, &fakeProcess{})

	record, _, _, err := m.Create(context.Background(), "acme", "app", "main", "", false)
	require.NoError(t, err)

	waitForStatus(t, fs.statusUpdates, store.StatusFailed)

	got, err := fs.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "repository not found")
	assert.EqualValues(t, 1, atomic.LoadInt32(&ws.cleanupCalls), "workspace must be cleaned up after a setup failure")
}

func TestStop_CancelsInFlightSetup_SoftDeletesWithoutMarkingFailed(t *testing.T) {
	fs := newFakeStore()
	fs.statusUpdates = make(chan store.Status, 16)
	fetcher := &fakeFetcher{cloneBlock: make(chan struct{})} // never closed: Clone blocks until ctx is cancelled
	ws := &fakeWorkspace{}

	m := newTestManager(baseConfig(), fs, fetcher, ws, &fakeProcess{})

	record, _, _, err := m.Create(context.Background(), "acme", "app", "main", "", false)
	require.NoError(t, err)

	waitForStatus(t, fs.statusUpdates, store.StatusCloning)

	require.NoError(t, m.Stop(context.Background(), record.ID))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ws.cleanupCalls) > 0
	}, time.Second, 10*time.Millisecond, "cancellation must short-circuit to workspace cleanup")

	got, err := fs.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, got.Status, "Stop soft-deletes to stopped, never failed, even mid-setup")
	assert.NotNil(t, got.DeletedAt)
}

func TestRecover_ClonesAndClaimsOwnership(t *testing.T) {
	fs := newFakeStore()
	existing := &store.Record{ID: "sess-recover", RepoOwner: "acme", RepoName: "app", Ref: "main", Status: store.StatusReady, ContainerInstance: "inst-2", AccessToken: "tok"}
	fs.put(existing)

	proc := &fakeProcess{port: 41777}
	m := newTestManager(baseConfig(), fs, &fakeFetcher{}, &fakeWorkspace{}, proc)

	port, err := m.Recover(context.Background(), "sess-recover")
	require.NoError(t, err)
	assert.Equal(t, 41777, port)

	got, err := fs.Get(context.Background(), "sess-recover")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
	assert.Equal(t, "inst-1", got.ContainerInstance, "recovery must claim ownership through the store, not only in memory")
}

func TestRecover_RefusesConcurrentRecovery(t *testing.T) {
	fs := newFakeStore()
	m := newTestManager(baseConfig(), fs, &fakeFetcher{}, &fakeWorkspace{}, &fakeProcess{})

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.setupTasks["sess-busy"] = cancel

	_, err := m.Recover(context.Background(), "sess-busy")
	assert.Error(t, err)
}

func TestRecover_NotReadyIsRejected(t *testing.T) {
	fs := newFakeStore()
	fs.put(&store.Record{ID: "sess-installing", Status: store.StatusInstalling, ContainerInstance: "inst-2"})
	m := newTestManager(baseConfig(), fs, &fakeFetcher{}, &fakeWorkspace{}, &fakeProcess{})

	_, err := m.Recover(context.Background(), "sess-installing")
	assert.Error(t, err)
}

func TestRunIdleSweep_StopsOnlyOwnedReadySessions(t *testing.T) {
	fs := newFakeStore()
	owned := &store.Record{ID: "owned", Status: store.StatusReady, ContainerInstance: "inst-1"}
	foreign := &store.Record{ID: "foreign", Status: store.StatusReady, ContainerInstance: "inst-2"}
	fs.put(owned)
	fs.put(foreign)
	fs.findIdle = []*store.Record{owned, foreign}

	proc := &fakeProcess{}
	m := newTestManager(baseConfig(), fs, &fakeFetcher{}, &fakeWorkspace{}, proc)

	m.runIdleSweep()

	gotOwned, err := fs.Get(context.Background(), "owned")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, gotOwned.Status)

	gotForeign, err := fs.Get(context.Background(), "foreign")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, gotForeign.Status, "a session owned by another instance is left for its own idle sweeper")
	assert.EqualValues(t, 1, atomic.LoadInt32(&proc.stopCalls))
}

func TestRunExpirySweep_StopsOwned_SoftDeletesForeign(t *testing.T) {
	fs := newFakeStore()
	owned := &store.Record{ID: "owned", Status: store.StatusReady, ContainerInstance: "inst-1"}
	foreign := &store.Record{ID: "foreign", Status: store.StatusInstalling, ContainerInstance: "inst-2"}
	fs.put(owned)
	fs.put(foreign)
	fs.findExpired = []*store.Record{owned, foreign}

	proc := &fakeProcess{}
	m := newTestManager(baseConfig(), fs, &fakeFetcher{}, &fakeWorkspace{}, proc)

	m.runExpirySweep()

	gotOwned, err := fs.Get(context.Background(), "owned")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, gotOwned.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&proc.stopCalls), "only the owned session goes through the full Stop teardown")

	gotForeign, err := fs.Get(context.Background(), "foreign")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, gotForeign.Status)
	assert.NotNil(t, gotForeign.DeletedAt, "a foreign expired session is soft-deleted directly, without this instance touching its process/workspace")
}
