package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"time"

	"agentdesk/internal/config"
	"agentdesk/internal/domain"
	"agentdesk/internal/events"
	"agentdesk/internal/keymanager"
	"agentdesk/internal/logging"
	"agentdesk/internal/orchestrator"
	"agentdesk/internal/retry"
	"agentdesk/internal/store"
)

// app is the composition root shared by the serve, ask and keys commands.
type app struct {
	cfg      *domain.Config
	logger   *slog.Logger
	logClose io.Closer
	store    store.Store
	managers map[string]*keymanager.Manager

	// Set by wire.
	bus    *events.Bus
	router *orchestrator.Router
}

// loadApp reads and validates the config, opens the store and initializes
// one key manager per configured provider.
func loadApp(ctx context.Context, configPath string, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	logger, logClose, err := logging.New(cfg.Infra, stderr)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logClose.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		logClose: logClose,
		store:    st,
		managers: make(map[string]*keymanager.Manager, len(cfg.Providers)),
	}
	cooldown := retry.Cooldown{
		Base:          time.Duration(cfg.Keys.CooldownBaseSeconds) * time.Second,
		CapMultiplier: cfg.Keys.CooldownCapMultiplier,
	}
	for _, ns := range a.providers() {
		pc := cfg.Providers[ns]
		m := keymanager.New(ns, st,
			keymanager.WithLogger(logger),
			keymanager.WithCooldown(cooldown),
			keymanager.WithMaxPoolSize(cfg.Keys.MaxPoolSize),
		)
		if err := m.Init(ctx, keymanager.Seed{Keys: pc.APIKeys, ActiveIndex: pc.ActiveKeyIndex}); err != nil {
			a.Close()
			return nil, fmt.Errorf("init %s keys: %w", ns, err)
		}
		a.managers[ns] = m
	}
	return a, nil
}

// providers returns the configured namespaces in sorted order.
func (a *app) providers() []string {
	out := make([]string, 0, len(a.cfg.Providers))
	for ns := range a.cfg.Providers {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// defaultProvider is gemini when configured, otherwise the first namespace.
func (a *app) defaultProvider() string {
	if _, ok := a.cfg.Providers[domain.ProviderKindGemini]; ok {
		return domain.ProviderKindGemini
	}
	if ps := a.providers(); len(ps) > 0 {
		return ps[0]
	}
	return ""
}

// manager resolves ns (empty means the default provider).
func (a *app) manager(ns string) (*keymanager.Manager, error) {
	if ns == "" {
		ns = a.defaultProvider()
	}
	m, ok := a.managers[ns]
	if !ok {
		return nil, fmt.Errorf("%w: %q", orchestrator.ErrUnknownProvider, ns)
	}
	return m, nil
}

// wire builds the event bus, one transport and orchestrator per provider and
// the router over them.
func (a *app) wire(ctx context.Context) error {
	a.bus = events.NewBus(events.WithLogger(a.logger))
	a.bus.Subscribe(events.LogSink{Logger: a.logger})

	var orchs []*orchestrator.Orchestrator
	for _, ns := range a.providers() {
		m := a.managers[ns]
		var apiKey string
		if k, ok := m.GetActiveKey(); ok {
			apiKey = k.Secret
		}
		tr, err := newTransport(ctx, a.cfg.Providers[ns], apiKey)
		if err != nil {
			for _, o := range orchs {
				o.Close()
			}
			return fmt.Errorf("%s transport: %w", ns, err)
		}
		orchs = append(orchs, orchestrator.New(m, tr, a.bus, orchestrator.WithLogger(a.logger)))
	}
	a.router = orchestrator.NewRouter(a.defaultProvider(), orchs...)
	return nil
}

// syncFromStore applies key lists and active-key choices edited outside this
// process. A record whose secrets match the pool and whose state is not newer
// than our last write is skipped, which ignores the echo of our own writes.
func (a *app) syncFromStore(records map[string]domain.ProviderRecord) {
	for ns, rec := range records {
		m, ok := a.managers[ns]
		if !ok || len(rec.APIKeys) == 0 {
			continue
		}
		current := make([]string, 0, m.Len())
		for _, k := range m.AllKeys() {
			current = append(current, k.Secret)
		}
		keysChanged := !slices.Equal(current, rec.APIKeys)
		if !keysChanged && !newerThan(rec, m.State()) {
			continue
		}
		if keysChanged {
			if err := m.UpdateKeys(rec.APIKeys); err != nil {
				a.logger.Warn("reload keys from store failed", "provider", ns, "error", err)
				continue
			}
			a.logger.Info("keys reloaded from store", "provider", ns, "keys", m.Len())
		}
		if rec.ActiveKeyIndex == m.ActiveIndex() {
			continue
		}
		if err := m.SwitchToKey(rec.ActiveKeyIndex); err != nil {
			a.logger.Warn("apply active key from store failed", "provider", ns, "index", rec.ActiveKeyIndex, "error", err)
			continue
		}
		a.logger.Info("active key reloaded from store", "provider", ns, "index", rec.ActiveKeyIndex)
	}
}

// newerThan reports whether rec was written after ours. Records without
// manager state come from hand edits and always count as newer.
func newerThan(rec domain.ProviderRecord, ours domain.KeyManagerState) bool {
	if rec.KeyManagerState == nil {
		return true
	}
	return rec.KeyManagerState.LastRotationTime.After(ours.LastRotationTime)
}

// Close releases the router, store and log file.
func (a *app) Close() error {
	if a.router != nil {
		a.router.Close()
	}
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logClose != nil {
		errs = append(errs, a.logClose.Close())
	}
	return errors.Join(errs...)
}
