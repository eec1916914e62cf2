package session

import (
	"context"
	"fmt"
	"time"

	"github.com/driftline-dev/driftline/internal/cache"
	"github.com/driftline-dev/driftline/internal/process"
	"github.com/driftline-dev/driftline/internal/store"
)

// setupSession drives a newly created session from pending through ready
// or failed. It runs as a detached goroutine; ctx is cancelled by Stop if
// the session is torn down mid-setup.
func (m *Manager) setupSession(ctx context.Context, id string) {
	log := loggerWithSession(id)
	defer func() {
		m.mu.Lock()
		delete(m.setupTasks, id)
		delete(m.tokens, id)
		m.mu.Unlock()
	}()

	record, err := m.store.Get(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("setup: session vanished before starting")
		return
	}

	m.mu.Lock()
	token := m.tokens[id]
	m.mu.Unlock()

	if err := m.runSetup(ctx, record, token); err != nil {
		if ctx.Err() != nil {
			log.Info().Msg("setup cancelled")
			m.cleanupAfterFailure(context.Background(), id)
			return
		}
		m.failSession(context.Background(), id, err)
	}
}

// runSetup executes the clone → install → start → wait-ready pipeline
// shared by fresh setup and recovery.
func (m *Manager) runSetup(ctx context.Context, record *store.Record, token string) error {
	log := loggerWithSession(record.ID)

	if err := m.store.UpdateStatus(ctx, record.ID, store.StatusCloning, ""); err != nil {
		return err
	}
	m.invalidateCached(ctx, record.ID)
	m.events.PublishStatus(record.ID, store.StatusCloning)

	workDir, err := m.workspace.Create(record.ID)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	cloneCtx, cancel := context.WithTimeout(ctx, m.cfg.CloneTimeout)
	cloneResult, err := m.fetcher.Clone(cloneCtx, record.RepoOwner, record.RepoName, record.Ref, token, workDir)
	cancel()
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	log.Info().Str("ref", cloneResult.Ref).Str("commit", cloneResult.CommitSHA).Msg("cloned repository")
	if err := m.store.UpdateCommitSHA(ctx, record.ID, cloneResult.CommitSHA); err != nil {
		return fmt.Errorf("record commit sha: %w", err)
	}

	if err := m.store.UpdateStatus(ctx, record.ID, store.StatusInstalling, ""); err != nil {
		return err
	}
	m.invalidateCached(ctx, record.ID)
	m.events.PublishStatus(record.ID, store.StatusInstalling)

	installCtx, cancel := context.WithTimeout(ctx, m.cfg.InstallTimeout)
	wsInfo, err := m.workspace.Prepare(installCtx, record.ID, workDir)
	cancel()
	if err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}

	if err := m.store.UpdateStatus(ctx, record.ID, store.StatusStarting, ""); err != nil {
		return err
	}
	m.invalidateCached(ctx, record.ID)
	m.events.PublishStatus(record.ID, store.StatusStarting)

	routing := process.SubdomainRouting
	if !m.cfg.UseSubdomainRouting {
		routing = process.PathRouting
	}

	procInfo, err := m.process.Launch(ctx, process.LaunchOptions{
		SessionID:     record.ID,
		WorkDir:       workDir,
		Argv:          wsInfo.StartArgv,
		Framework:     wsInfo.Framework,
		Routing:       routing,
		PreviewDomain: m.cfg.PreviewDomain,
		BaseURL:       m.cfg.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("launch dev server: %w", err)
	}

	if err := m.store.UpdatePort(ctx, record.ID, procInfo.Port); err != nil {
		return err
	}
	m.invalidateCached(ctx, record.ID)

	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.SessionStartupTimeout)
	err = m.process.WaitReady(readyCtx, procInfo)
	cancel()
	if err != nil {
		return fmt.Errorf("wait ready: %w", err)
	}

	if err := m.store.UpdateStatus(ctx, record.ID, store.StatusReady, ""); err != nil {
		return err
	}
	m.invalidateCached(ctx, record.ID)
	m.events.PublishStatus(record.ID, store.StatusReady)
	log.Info().Int("port", procInfo.Port).Msg("session ready")
	return nil
}

func (m *Manager) failSession(ctx context.Context, id string, cause error) {
	loggerWithSession(id).Error().Err(cause).Msg("session setup failed")
	_ = m.store.UpdateStatus(ctx, id, store.StatusFailed, cause.Error())
	m.invalidateCached(ctx, id)
	m.events.PublishStatus(id, store.StatusFailed)
	m.cleanupAfterFailure(ctx, id)
}

func (m *Manager) cleanupAfterFailure(ctx context.Context, id string) {
	m.process.Stop(id, 5*time.Second)
	if _, err := m.workspace.Cleanup(id); err != nil {
		loggerWithSession(id).Warn().Err(err).Msg("workspace cleanup failed after setup failure")
	}
}

// Recover re-clones and restarts a session that is recorded READY but owned
// by an instance that is no longer reachable, taking ownership on this
// instance. Recovery only works for public repositories: the original
// GitHub token was never persisted past the initial setup.
func (m *Manager) Recover(ctx context.Context, id string) (int, error) {
	if m.hasSetupInFlight(id) {
		return 0, fmt.Errorf("recovery already in progress for session %s", id)
	}

	record, err := m.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if record.Status != store.StatusReady {
		return 0, fmt.Errorf("session %s is not ready, cannot recover", id)
	}

	if err := m.store.UpdateStatus(ctx, id, store.StatusStarting, ""); err != nil {
		return 0, err
	}
	if err := m.store.ClaimInstance(ctx, id, m.cfg.InstanceID); err != nil {
		return 0, fmt.Errorf("claim ownership of session %s: %w", id, err)
	}
	m.invalidateCached(ctx, id)
	record.ContainerInstance = m.cfg.InstanceID
	record.Status = store.StatusStarting

	setupCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.setupTasks[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.setupTasks, id)
		m.mu.Unlock()
		cancel()
	}()

	if _, err := m.workspace.Cleanup(id); err != nil {
		loggerWithSession(id).Warn().Err(err).Msg("could not clean stale workspace before recovery")
	}

	if err := m.runSetup(setupCtx, record, ""); err != nil {
		m.failSession(context.Background(), id, fmt.Errorf("recovery: %w", err))
		return 0, err
	}

	info, ok := m.process.Get(id)
	if !ok {
		return 0, fmt.Errorf("recovered session has no tracked process")
	}
	return info.Port, nil
}

// RecoverOnStartup reclaims sessions left stuck mid-setup by a crashed
// instance, whichever instance owned them, marking them failed rather than
// leaving them dangling forever in the record store.
func (m *Manager) RecoverOnStartup(ctx context.Context) error {
	acquired, err := m.cacheLayer.TryLock(ctx, cache.OrphanLockKey, cache.OrphanLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() { _ = m.cacheLayer.Unlock(ctx, cache.OrphanLockKey) }()

	count, err := m.store.ClaimOrphans(ctx, 5*time.Minute)
	if err != nil {
		return err
	}
	if count > 0 {
		loggerWithSession("").Warn().Int64("count", count).Msg("reclaimed orphaned sessions stuck mid-setup")
	}
	return nil
}

func (m *Manager) runExpirySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := m.store.FindExpired(ctx, time.Now(), m.cfg.SessionMaxLifetime, m.cfg.SessionIdleTimeout)
	if err != nil {
		loggerWithSession("").Error().Err(err).Msg("expiry sweep: query failed")
		return
	}

	for _, record := range expired {
		if record.ContainerInstance == m.cfg.InstanceID {
			if err := m.Stop(ctx, record.ID); err != nil {
				loggerWithSession(record.ID).Warn().Err(err).Msg("expiry sweep: stop failed")
			}
		} else {
			_ = m.store.SoftDelete(ctx, record.ID)
			m.invalidateCached(ctx, record.ID)
		}
	}
}

func (m *Manager) runIdleSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	idle, err := m.store.FindIdle(ctx, time.Now(), m.cfg.SessionIdleTimeout)
	if err != nil {
		loggerWithSession("").Error().Err(err).Msg("idle sweep: query failed")
		return
	}

	for _, record := range idle {
		if record.ContainerInstance != m.cfg.InstanceID {
			continue
		}
		if err := m.Stop(ctx, record.ID); err != nil {
			loggerWithSession(record.ID).Warn().Err(err).Msg("idle sweep: stop failed")
		}
	}
}

// purgeAfter bounds how long a soft-deleted record is retained for audit
// before the purge sweeper hard-deletes it.
const purgeAfter = 7 * 24 * time.Hour

func (m *Manager) runPurgeSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := m.store.PurgeDeleted(ctx, purgeAfter)
	if err != nil {
		loggerWithSession("").Error().Err(err).Msg("purge sweep: query failed")
		return
	}
	if count > 0 {
		loggerWithSession("").Info().Int64("count", count).Msg("purged tombstoned session records")
	}
}

// Shutdown cancels all in-flight setup, stops every process and workspace
// owned by this instance, and soft-deletes their records.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cron.Stop()

	m.mu.Lock()
	for _, cancel := range m.setupTasks {
		cancel()
	}
	m.mu.Unlock()

	records, err := m.store.ListForInstance(ctx, m.cfg.InstanceID)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.IsActive() {
			_ = m.Stop(ctx, record.ID)
		}
	}

	m.process.StopAll(10 * time.Second)
	return nil
}
