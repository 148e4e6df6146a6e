package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	wsadapter "dvbsboard/adapters/websocket"
	"dvbsboard/core"
	"dvbsboard/engine"
	"dvbsboard/roster"
	"dvbsboard/schedule"
	"dvbsboard/scoreboard"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup is how long a full bucket may sit idle before it is
	// dropped. Zero keeps every bucket.
	RateLimitCleanup time.Duration
	// VisitorView makes the API read-only: every mutation answers 403.
	VisitorView bool
	Logger      *slog.Logger
	// Clock is used for the current schedule slot; defaults to time.Now.
	Clock func() time.Time
}

type api struct {
	sb     *scoreboard.Scoreboard
	opts   Options
	logger *slog.Logger
}

// NewMux builds an http.Handler exposing the scoreboard REST API and WebSocket stream.
// Routes:
//   - GET  {prefix}/boards
//   - GET  {prefix}/series?day=C
//   - POST {prefix}/selection?day=B
//   - POST {prefix}/boards/{id}/points?day=A&delta=5
//   - GET  {prefix}/roster?group=primary&q=an
//   - POST {prefix}/roster/{group}/{prefix}/points
//   - GET  {prefix}/schedule/{group}
//   - GET  {prefix}/stats
//   - GET  {prefix}/healthz
//   - WS   {prefix}/ws
func NewMux(sb *scoreboard.Scoreboard, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	a := &api{sb: sb, opts: opts, logger: opts.Logger.With("component", "httpapi")}
	mux := http.NewServeMux()
	route := func(method, path string, h http.HandlerFunc) {
		mux.HandleFunc(method+" "+withPrefix(opts.PathPrefix, path), h)
	}

	route(http.MethodGet, "/healthz", a.health)
	route(http.MethodGet, "/boards", a.boards)
	route(http.MethodGet, "/series", a.series)
	route(http.MethodPost, "/selection", a.mutation(a.selectDay))
	route(http.MethodPost, "/boards/{id}/points", a.mutation(a.addPoints))
	route(http.MethodGet, "/roster", a.roster)
	route(http.MethodPost, "/roster/{group}/{prefix}/points", a.mutation(a.addRecitation))
	route(http.MethodGet, "/schedule/{group}", a.schedule)
	route(http.MethodGet, "/stats", a.stats)

	// WebSocket events
	if sb.Hub != nil {
		initial := func() []core.Event {
			d := sb.Dashboard
			return []core.Event{core.NewSelectionChanged(d.Selection(), d.Series(""))}
		}
		mux.Handle(withPrefix(opts.PathPrefix, "/ws"), wsadapter.Handler(sb.Hub, initial, opts.Logger))
	}

	var handler http.Handler = mux
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, newRateLimiter(opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup))
	}
	return handler
}

// mutation rejects writes in visitor view.
func (a *api) mutation(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.opts.VisitorView {
			writeError(w, http.StatusForbidden, "visitor_view", "this screen is read-only", nil)
			return
		}
		h(w, r)
	}
}

// BoardsResponse is the full dashboard view.
type BoardsResponse struct {
	Day         core.DayKey                    `json:"day"`
	Label       string                         `json:"label"`
	Boards      map[core.BoardID]core.Document `json:"boards"`
	Series      core.Series                    `json:"series"`
	Celebrating bool                           `json:"celebrating"`
}

func (a *api) boards(w http.ResponseWriter, r *http.Request) {
	d := a.sb.Dashboard
	day := d.Selection()
	writeJSON(w, BoardsResponse{
		Day:         day,
		Label:       day.Label(),
		Boards:      d.State(),
		Series:      d.Series(day),
		Celebrating: d.Celebrating(),
	})
}

// optionalDay parses ?day=, returning "" when absent.
func optionalDay(r *http.Request) (core.DayKey, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("day"))
	if raw == "" {
		return "", nil
	}
	return core.ParseDayKey(raw)
}

func (a *api) series(w http.ResponseWriter, r *http.Request) {
	day, err := optionalDay(r)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, a.sb.Dashboard.Series(day))
}

func (a *api) selectDay(w http.ResponseWriter, r *http.Request) {
	day, err := optionalDay(r)
	if err == nil && day == "" {
		err = core.ErrInvalidDay
	}
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if err := a.sb.Dashboard.SelectDay(r.Context(), day); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"day": day, "series": a.sb.Dashboard.Series(day)})
}

func (a *api) addPoints(w http.ResponseWriter, r *http.Request) {
	day, err := optionalDay(r)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if day == "" {
		day = a.sb.Dashboard.Selection()
	}
	delta, err := strconv.ParseInt(r.URL.Query().Get("delta"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_delta", "delta must be an integer", nil)
		return
	}
	board := core.BoardID(r.PathValue("id"))
	value, err := a.sb.Dashboard.ApplyDelta(r.Context(), board, day, delta)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"board": strings.ToLower(string(board)), "day": day, "value": value})
}

// RosterResponse lists present students for today.
type RosterResponse struct {
	Day      core.DayKey      `json:"day"`
	Students []roster.Student `json:"students"`
}

func (a *api) roster(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := roster.Filter{Query: q.Get("q")}
	if g := strings.TrimSpace(q.Get("group")); g != "" {
		group := core.BoardID(strings.ToLower(g))
		if !core.IsGroup(group) {
			writeError(w, http.StatusBadRequest, "unknown_board", "unknown group "+g, nil)
			return
		}
		f.Group = group
	}
	students := a.sb.Roster.Present(f)
	if students == nil {
		students = []roster.Student{}
	}
	writeJSON(w, RosterResponse{Day: a.sb.Roster.Today(), Students: students})
}

func (a *api) addRecitation(w http.ResponseWriter, r *http.Request) {
	s, err := a.sb.Roster.AddPoint(r.Context(), core.BoardID(r.PathValue("group")), r.PathValue("prefix"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, s)
}

// ScheduleResponse is a group's program with the running slot.
type ScheduleResponse struct {
	Group   core.BoardID    `json:"group"`
	Slots   []schedule.Slot `json:"slots"`
	Current *schedule.Slot  `json:"current,omitempty"`
}

func (a *api) schedule(w http.ResponseWriter, r *http.Request) {
	group := core.BoardID(strings.ToLower(r.PathValue("group")))
	slots, err := a.sb.Schedule.Get(r.Context(), group)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if slots == nil {
		slots = []schedule.Slot{}
	}
	resp := ScheduleResponse{Group: group, Slots: slots}
	if cur, ok := schedule.Current(slots, a.opts.Clock()); ok {
		resp.Current = &cur
	}
	writeJSON(w, resp)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	// events carry wall-clock timestamps, so today is the real today
	writeJSON(w, a.sb.Tally.Summary(time.Now()))
}

// health verifies the store answers and listeners are attached.
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{"storage": "ok", "listeners": a.sb.Dashboard.Listeners()}
	status := map[string]any{"status": "healthy", "checks": checks}

	if _, err := a.sb.Store.List(r.Context(), engine.DefaultPointsCollection); err != nil {
		a.logger.Warn("health check failed", "error", err)
		checks["storage"] = "failed"
		status["status"] = "unhealthy"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(status)
		return
	}
	writeJSON(w, status)
}

// writeDomainError maps domain errors to HTTP status codes.
func (a *api) writeDomainError(w http.ResponseWriter, err error) {
	var editErr *core.EditError
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, core.ErrUnknownBoard):
		writeError(w, http.StatusBadRequest, "unknown_board", err.Error(), nil)
	case errors.Is(err, core.ErrInvalidDay):
		writeError(w, http.StatusBadRequest, "invalid_day", err.Error(), nil)
	case errors.Is(err, core.ErrNegativeScore):
		writeError(w, http.StatusBadRequest, "negative_score", err.Error(), nil)
	case errors.As(err, &editErr):
		writeError(w, http.StatusBadGateway, "write_failed", err.Error(),
			map[string]any{"board": editErr.Board, "field": editErr.Field, "rolled_back": editErr.RolledBack})
	case errors.Is(err, engine.ErrNotStarted), errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		a.logger.Error("request failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
	}
}

// Helpers

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	if prefix[len(prefix)-1] == '/' {
		return prefix[:len(prefix)-1] + path
	}
	return prefix + path
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: msg, Details: details})
}

// withCORS wraps a handler with a minimal CORS policy.
func withCORS(next http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAPIKeyAuth enforces a shared API key list.
func withAPIKeyAuth(next http.Handler, apiKeys []string) http.Handler {
	allowed := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
			return
		}
		if _, ok := allowed[key]; !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit applies a simple token-bucket limiter per client key.
func withRateLimit(next http.Handler, limiter *rateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !limiter.allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// clientKey uses API key if present, otherwise remote IP.
func clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimiter struct {
	rpm     float64
	burst   float64
	cleanup time.Duration
	now     func() time.Time
	mu      sync.Mutex
	b       map[string]*bucket
	swept   time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rpm, burst int, cleanup time.Duration) *rateLimiter {
	return &rateLimiter{
		rpm:     float64(rpm),
		burst:   float64(burst),
		cleanup: cleanup,
		now:     time.Now,
		b:       make(map[string]*bucket),
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b, ok := l.b[key]
	if !ok {
		l.b[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(b.last).Minutes()
	b.tokens += elapsed * l.rpm
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	if b.tokens < 1 {
		b.last = now
		return false
	}
	b.tokens--
	b.last = now
	return true
}

// sweep drops buckets idle for at least the cleanup interval that have
// refilled completely, at most once per interval. Caller holds l.mu.
func (l *rateLimiter) sweep(now time.Time) {
	if l.cleanup <= 0 || now.Sub(l.swept) < l.cleanup {
		return
	}
	l.swept = now
	for key, b := range l.b {
		idle := now.Sub(b.last)
		if idle >= l.cleanup && b.tokens+idle.Minutes()*l.rpm >= l.burst {
			delete(l.b, key)
		}
	}
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.b)
}
