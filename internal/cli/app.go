package cli

import (
	"log/slog"
	"time"

	"github.com/iambrandonn/zoya/internal/approval"
	"github.com/iambrandonn/zoya/internal/auditlog"
	"github.com/iambrandonn/zoya/internal/classify"
	"github.com/iambrandonn/zoya/internal/config"
	"github.com/iambrandonn/zoya/internal/dedup"
	"github.com/iambrandonn/zoya/internal/lockfile"
	"github.com/iambrandonn/zoya/internal/orchestrator"
	"github.com/iambrandonn/zoya/internal/task"
	"github.com/iambrandonn/zoya/internal/vault"
	"github.com/iambrandonn/zoya/internal/watcher"
)

// app holds the assembled runtime for the run commands.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	vault        *vault.Vault
	lock         *lockfile.Lock
	index        *dedup.Index
	audit        *auditlog.Log
	ingestor     *watcher.Ingestor
	inboxWatcher *watcher.Watcher
	orchestrator *orchestrator.Orchestrator
}

// newApp verifies the vault, takes the orchestrator lock, and wires every
// component. Returns an error for any startup problem; the process must not
// limp along with a broken vault or a second orchestrator running.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	v := vault.New(cfg.VaultRoot)
	if err := v.Check(); err != nil {
		return nil, err
	}

	lock, err := lockfile.Acquire(v.LockPath())
	if err != nil {
		return nil, err
	}

	index, err := dedup.Open(v.DedupIndexPath())
	if err != nil {
		lock.Release()
		return nil, err
	}

	audit := auditlog.New(v.Dir(vault.AreaLogs), logger)

	rules, err := approval.LoadRules(cfg.Approval.RulesPath)
	if err != nil {
		index.Close()
		lock.Release()
		return nil, err
	}

	classifier := classify.NewCLI(
		cfg.Classifier.Cmd,
		time.Duration(cfg.Classifier.TimeoutS)*time.Second,
		cfg.Classifier.MaxInputBytes,
		logger.With("component", "classifier"),
	)

	ingestor := watcher.NewIngestor(watcher.Params{
		Vault:             v,
		Index:             index,
		Audit:             audit,
		Logger:            logger.With("component", "watcher"),
		AllowedExtensions: cfg.Watcher.AllowedExtensions,
		MaxBytes:          int64(cfg.Watcher.MaxFileSizeMB) << 20,
		StabilityInterval: time.Duration(cfg.Watcher.StabilityIntervalMs) * time.Millisecond,
		StabilityChecks:   cfg.Watcher.StabilityChecks,
	})

	inboxWatcher := watcher.NewWatcher(
		v.Dir(vault.AreaInbox), task.KindFileDrop,
		ingestor, logger.With("component", "watcher"))

	orch := orchestrator.New(orchestrator.Params{
		Vault:        v,
		Classifier:   classifier,
		Rules:        rules,
		Audit:        audit,
		Logger:       logger.With("component", "orchestrator"),
		MaxRetries:   cfg.Queue.MaxRetries,
		ChannelOrder: cfg.Queue.ChannelPriority,
		PollInterval: time.Duration(cfg.Queue.PollIntervalS) * time.Second,
		RecentLimit:  cfg.Dashboard.RecentLimit,
	})

	return &app{
		cfg:          cfg,
		logger:       logger,
		vault:        v,
		lock:         lock,
		index:        index,
		audit:        audit,
		ingestor:     ingestor,
		inboxWatcher: inboxWatcher,
		orchestrator: orch,
	}, nil
}

func (a *app) close() {
	a.audit.Close()
	a.index.Close()
	if err := a.lock.Release(); err != nil {
		a.logger.Warn("failed to release lock", "error", err)
	}
}
