// Package scoreboard assembles the live dashboard, roster and schedule reader
// around one document store and one event bus.
package scoreboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dvbsboard/adapters/memory"
	"dvbsboard/analytics"
	"dvbsboard/core"
	"dvbsboard/engine"
	"dvbsboard/realtime"
	"dvbsboard/roster"
	"dvbsboard/schedule"
)

// Option configures the scoreboard builder.
type Option func(*config)

type config struct {
	store    engine.DocumentStore
	mode     engine.DispatchMode
	hub      *realtime.Hub
	player   engine.Player
	window   time.Duration
	policy   engine.RetriggerPolicy
	asset    string
	rollback bool
	day      core.DayKey
	points   string
	roster   string
	schedule string
	hooks    []analytics.Hook
	metrics  *analytics.Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

// WithStore sets the document store adapter.
func WithStore(s engine.DocumentStore) Option { return func(c *config) { c.store = s } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime wires a realtime hub to receive all engine events. Unless a
// player is set, celebration sounds are cued through the hub.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithPlayer overrides the celebration sound player.
func WithPlayer(p engine.Player) Option { return func(c *config) { c.player = p } }

// WithWindow sets the celebration window length.
func WithWindow(d time.Duration) Option { return func(c *config) { c.window = d } }

// WithPolicy sets what a change does while a celebration runs.
func WithPolicy(p engine.RetriggerPolicy) Option { return func(c *config) { c.policy = p } }

// WithSoundAsset sets the celebration sound.
func WithSoundAsset(asset string) Option { return func(c *config) { c.asset = asset } }

// WithRollback restores prior values when a local edit fails to persist.
func WithRollback(enabled bool) Option { return func(c *config) { c.rollback = enabled } }

// WithInitialDay overrides the default (today) selection.
func WithInitialDay(d core.DayKey) Option { return func(c *config) { c.day = d } }

// WithCollections names the points, roster and schedule collections. Empty
// values keep the defaults.
func WithCollections(points, rosterColl, scheduleColl string) Option {
	return func(c *config) {
		if points != "" {
			c.points = points
		}
		if rosterColl != "" {
			c.roster = rosterColl
		}
		if scheduleColl != "" {
			c.schedule = scheduleColl
		}
	}
}

// WithHooks subscribes analytics hooks to every event.
func WithHooks(h ...analytics.Hook) Option { return func(c *config) { c.hooks = append(c.hooks, h...) } }

// WithMetrics exports deliveries and events to Prometheus.
func WithMetrics(m *analytics.Metrics) Option { return func(c *config) { c.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithClock overrides time.Now for day selection.
func WithClock(fn func() time.Time) Option { return func(c *config) { c.clock = fn } }

// Scoreboard is the running application core.
type Scoreboard struct {
	Store     engine.DocumentStore
	Bus       *engine.EventBus
	Hub       *realtime.Hub
	Dashboard *engine.Dashboard
	Roster    *roster.Roster
	Schedule  *schedule.Reader
	Tally     *analytics.Tally

	logger *slog.Logger
	unsubs []func()
}

// New builds a Scoreboard. If not provided, defaults are used:
//   - store: in-memory
//   - dispatch: sync, so subscribers see events in publish order
//   - celebration: 7s window, restart policy, no rollback
func New(opts ...Option) *Scoreboard {
	cfg := &config{
		mode:     engine.DispatchSync,
		window:   engine.DefaultCelebrationWindow,
		policy:   engine.RetriggerRestart,
		points:   engine.DefaultPointsCollection,
		roster:   roster.DefaultCollection,
		schedule: schedule.DefaultCollection,
		clock:    time.Now,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.store == nil {
		cfg.store = memory.New()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.day == "" {
		cfg.day = core.DefaultDay(cfg.clock())
	}

	bus := engine.NewEventBus(cfg.mode)
	sb := &Scoreboard{
		Store:  cfg.store,
		Bus:    bus,
		Hub:    cfg.hub,
		Tally:  analytics.NewTally(),
		logger: cfg.logger,
	}

	hooks := append([]analytics.Hook{sb.Tally}, cfg.hooks...)
	if cfg.metrics != nil {
		hooks = append(hooks, cfg.metrics)
	}
	bridge := analytics.NewBridge(hooks...)
	sb.unsubs = append(sb.unsubs, bus.SubscribeAll(func(_ context.Context, e core.Event) { bridge.OnEvent(e) }))
	if cfg.hub != nil {
		// Bridge every event to realtime
		sb.unsubs = append(sb.unsubs, bus.SubscribeAll(func(ctx context.Context, e core.Event) { cfg.hub.Broadcast(ctx, e) }))
	}

	player := cfg.player
	if player == nil && cfg.hub != nil {
		player = realtime.NewSoundCue(cfg.hub)
	}
	celebration := engine.NewCelebration(engine.CelebrationOptions{
		Window:    cfg.window,
		Policy:    cfg.policy,
		Asset:     cfg.asset,
		Player:    player,
		Publisher: bus,
		Logger:    cfg.logger,
	})

	var observer func(core.Classification)
	if cfg.metrics != nil {
		observer = cfg.metrics.ObserveClassification
	}
	sb.Dashboard = engine.NewDashboard(cfg.store, engine.DashboardOptions{
		Collection:             cfg.points,
		Day:                    cfg.day,
		RollbackOnWriteFailure: cfg.rollback,
		Celebration:            celebration,
		Publisher:              bus,
		Observer:               observer,
		Logger:                 cfg.logger,
	})
	sb.Roster = roster.New(cfg.store, roster.Options{
		Collection: cfg.roster,
		Publisher:  bus,
		Logger:     cfg.logger,
		Clock:      cfg.clock,
	})
	sb.Schedule = schedule.NewReader(cfg.store, cfg.schedule)
	return sb
}

// Start attaches the dashboard and roster listeners.
func (s *Scoreboard) Start(ctx context.Context) error {
	if err := s.Dashboard.Start(ctx); err != nil {
		return fmt.Errorf("start dashboard: %w", err)
	}
	if err := s.Roster.Start(ctx); err != nil {
		s.Dashboard.Close()
		return fmt.Errorf("start roster: %w", err)
	}
	s.logger.Info("scoreboard started", "day", s.Dashboard.Selection(), "boards", len(s.Dashboard.Boards()))
	return nil
}

// Close releases every listener and stops event dispatch.
func (s *Scoreboard) Close() {
	s.Roster.Close()
	s.Dashboard.Close()
	for _, u := range s.unsubs {
		u()
	}
	s.Bus.Close()
}
