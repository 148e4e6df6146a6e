package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dvbsboard/core"
)

// RetriggerPolicy decides what a genuine change does while a celebration runs.
type RetriggerPolicy string

const (
	// RetriggerRestart restarts the window without replaying the sound.
	RetriggerRestart RetriggerPolicy = "restart"
	// RetriggerIgnore drops triggers until the window ends.
	RetriggerIgnore RetriggerPolicy = "ignore"
)

const DefaultCelebrationWindow = 7 * time.Second

// CelebrationOptions configures a Celebration.
type CelebrationOptions struct {
	Window    time.Duration
	Policy    RetriggerPolicy
	Asset     string
	Rule      core.Rule
	Player    Player
	Publisher Publisher
	Logger    *slog.Logger
}

// Celebration runs a bounded, non-overlapping celebration window.
type Celebration struct {
	opts CelebrationOptions

	mu     sync.Mutex
	active bool
	until  time.Time
	timer  *time.Timer
	gen    uint64
	plays  int
}

func NewCelebration(opts CelebrationOptions) *Celebration {
	if opts.Window <= 0 {
		opts.Window = DefaultCelebrationWindow
	}
	if opts.Policy == "" {
		opts.Policy = RetriggerRestart
	}
	if opts.Rule == nil {
		opts.Rule = core.GenuineChangeRule{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Celebration{opts: opts}
}

// MaybeTrigger starts or extends the window when the rule accepts c.
// It reports whether the delivery had any effect.
func (cel *Celebration) MaybeTrigger(ctx context.Context, c core.Classification) bool {
	if !cel.opts.Rule.Evaluate(c) {
		return false
	}
	cel.mu.Lock()
	if cel.active && cel.opts.Policy == RetriggerIgnore {
		cel.mu.Unlock()
		cel.opts.Logger.Debug("celebration already active, trigger ignored", "board", c.Board)
		return false
	}
	extending := cel.active
	if cel.timer != nil {
		cel.timer.Stop()
	}
	cel.gen++
	gen := cel.gen
	cel.active = true
	cel.until = time.Now().Add(cel.opts.Window)
	until := cel.until
	cel.timer = time.AfterFunc(cel.opts.Window, func() { cel.end(gen, c.Board) })
	if !extending {
		cel.plays++
	}
	cel.mu.Unlock()

	if extending {
		cel.publish(ctx, core.NewCelebration(core.EventCelebrationExtended, c.Board, until))
		return true
	}
	cel.publish(ctx, core.NewCelebration(core.EventCelebrationStarted, c.Board, until))
	cel.play(ctx)
	return true
}

func (cel *Celebration) play(ctx context.Context) {
	if cel.opts.Player == nil || cel.opts.Asset == "" {
		return
	}
	if err := cel.opts.Player.Play(ctx, cel.opts.Asset); err != nil {
		perr := &core.PlaybackError{Asset: cel.opts.Asset, Err: err}
		cel.opts.Logger.Warn("celebration sound failed", "error", perr)
	}
}

func (cel *Celebration) end(gen uint64, board core.BoardID) {
	cel.mu.Lock()
	if gen != cel.gen || !cel.active {
		cel.mu.Unlock()
		return
	}
	cel.active = false
	until := cel.until
	cel.mu.Unlock()
	cel.publish(context.Background(), core.NewCelebration(core.EventCelebrationEnded, board, until))
}

func (cel *Celebration) publish(ctx context.Context, ev core.Event) {
	if cel.opts.Publisher != nil {
		cel.opts.Publisher.Publish(ctx, ev)
	}
}

// Active reports whether a window is running.
func (cel *Celebration) Active() bool {
	cel.mu.Lock()
	defer cel.mu.Unlock()
	return cel.active
}

// Plays returns how many windows have started (one sound each).
func (cel *Celebration) Plays() int {
	cel.mu.Lock()
	defer cel.mu.Unlock()
	return cel.plays
}

// Stop cancels a running window without emitting an end event.
func (cel *Celebration) Stop() {
	cel.mu.Lock()
	defer cel.mu.Unlock()
	if cel.timer != nil {
		cel.timer.Stop()
	}
	cel.gen++
	cel.active = false
}
