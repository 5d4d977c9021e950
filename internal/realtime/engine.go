package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/message"

	"github.com/agentworkforce/fieldalert/internal/alerts"
	"github.com/agentworkforce/fieldalert/internal/clock"
	"github.com/agentworkforce/fieldalert/internal/i18n"
)

const (
	defaultPollInterval  = 5 * time.Minute
	defaultSweepInterval = time.Hour
	defaultWindowStart   = 30 * time.Minute
	defaultWindowEnd     = 60 * time.Minute
	defaultDedupTTL      = 24 * time.Hour

	dateLayout = "02/01/2006 15:04"
	timeLayout = "15:04"
)

var (
	ErrUserIDRequired    = errors.New("user id is required")
	ErrDisabled          = errors.New("realtime notifications are disabled")
	ErrAlreadyStarted    = errors.New("realtime engine already started")
	ErrMissingDependency = errors.New("realtime engine dependency missing")
)

var tracer = otel.Tracer("github.com/agentworkforce/fieldalert/internal/realtime")

type Logger interface {
	Printf(format string, args ...any)
}

type State string

const (
	StateIdle         State = "idle"
	StateSubscribed   State = "subscribed"
	StateUnsubscribed State = "unsubscribed"
)

type EngineOptions struct {
	Assignments Stream
	Updates     Stream
	Lookup      Lookup
	Surface     alerts.Surface
	Clock       clock.Clock

	PollInterval  time.Duration
	SweepInterval time.Duration
	// Reminders fire for dates in (now+WindowStart, now+WindowEnd].
	WindowStart time.Duration
	WindowEnd   time.Duration
	DedupTTL    time.Duration

	Language  string
	Location  *time.Location
	EntityURL func(entityID string) string
	Disabled  bool
	Logger    Logger
}

type Status struct {
	State         State     `json:"state"`
	UserID        string    `json:"userId,omitempty"`
	DedupSize     int       `json:"dedupSize"`
	AlertsFired   int       `json:"alertsFired"`
	LastLookahead time.Time `json:"lastLookahead,omitzero"`
}

// Engine composes the event-driven path and the polling lookahead over one
// dedup set scoped to the engine.
type Engine struct {
	assignments   Stream
	updates       Stream
	lookup        Lookup
	surface       alerts.Surface
	clock         clock.Clock
	pollInterval  time.Duration
	sweepInterval time.Duration
	windowStart   time.Duration
	windowEnd     time.Duration
	dedupTTL      time.Duration
	printer       *message.Printer
	location      *time.Location
	entityURL     func(string) string
	logger        Logger
	dedup         *dedupSet

	mu            sync.Mutex
	state         State
	enabled       bool
	userID        string
	lastUserID    string
	run           uint64
	cancel        context.CancelFunc
	done          chan struct{}
	unsubs        []func()
	alertsFired   int
	lastLookahead time.Time
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Assignments == nil || opts.Updates == nil || opts.Lookup == nil || opts.Surface == nil {
		return nil, ErrMissingDependency
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	windowStart := durationOr(opts.WindowStart, defaultWindowStart)
	windowEnd := durationOr(opts.WindowEnd, defaultWindowEnd)
	if windowEnd <= windowStart {
		return nil, fmt.Errorf("reminder window end %s must be after start %s", windowEnd, windowStart)
	}
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	entityURL := opts.EntityURL
	if entityURL == nil {
		entityURL = func(id string) string { return "/interventions/" + id }
	}
	return &Engine{
		assignments:   opts.Assignments,
		updates:       opts.Updates,
		lookup:        opts.Lookup,
		surface:       opts.Surface,
		clock:         clk,
		pollInterval:  durationOr(opts.PollInterval, defaultPollInterval),
		sweepInterval: durationOr(opts.SweepInterval, defaultSweepInterval),
		windowStart:   windowStart,
		windowEnd:     windowEnd,
		dedupTTL:      durationOr(opts.DedupTTL, defaultDedupTTL),
		printer:       i18n.Printer(opts.Language),
		location:      location,
		entityURL:     entityURL,
		logger:        opts.Logger,
		dedup:         newDedupSet(),
		state:         StateIdle,
		enabled:       !opts.Disabled,
	}, nil
}

// SetEnabled toggles the feature flag. Disabling a running engine stops it.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	running := e.state == StateSubscribed
	e.mu.Unlock()
	if !enabled && running {
		e.Stop()
	}
}

// Start subscribes both streams for userID and starts the lookahead poller
// and the dedup sweep. It fails fast, with no side effects, when userID is
// empty, the engine is disabled or already started.
func (e *Engine) Start(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return ErrDisabled
	}
	if e.state == StateSubscribed {
		return ErrAlreadyStarted
	}

	run := e.run + 1
	runCtx, cancel := context.WithCancel(ctx)
	unsubAssignments, err := e.assignments.Subscribe(runCtx, Filter{Channel: ChannelAssignmentCreated, UserID: userID}, func(_ context.Context, event ChangeEvent) {
		e.handleAssignment(runCtx, run, event)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", ChannelAssignmentCreated, err)
	}
	unsubUpdates, err := e.updates.Subscribe(runCtx, Filter{Channel: ChannelEntityUpdated}, func(_ context.Context, event ChangeEvent) {
		e.handleUpdate(runCtx, run, event)
	})
	if err != nil {
		unsubAssignments()
		cancel()
		return fmt.Errorf("subscribe %s: %w", ChannelEntityUpdated, err)
	}

	if userID != e.lastUserID {
		e.dedup.reset()
	}
	e.run = run
	e.userID = userID
	e.lastUserID = userID
	e.state = StateSubscribed
	e.cancel = cancel
	e.unsubs = []func(){unsubAssignments, unsubUpdates}
	e.done = make(chan struct{})

	poll := e.clock.NewTicker(e.pollInterval)
	sweep := e.clock.NewTicker(e.sweepInterval)
	go e.loop(runCtx, run, poll, sweep, e.done)
	e.logf("realtime engine subscribed for user %s", userID)
	return nil
}

// Stop cancels both timers and unsubscribes both streams before returning.
// Results of lookups still in flight are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateSubscribed {
		e.mu.Unlock()
		return
	}
	e.state = StateUnsubscribed
	e.run++
	unsubs := e.unsubs
	cancel := e.cancel
	done := e.done
	e.unsubs = nil
	e.cancel = nil
	e.done = nil
	user := e.userID
	e.userID = ""
	e.mu.Unlock()

	for _, unsubscribe := range unsubs {
		if unsubscribe != nil {
			unsubscribe()
		}
	}
	cancel()
	<-done
	e.logf("realtime engine unsubscribed for user %s", user)
}

// HandleAssignmentCreated processes one assignment event for the running
// subscription.
func (e *Engine) HandleAssignmentCreated(ctx context.Context, event ChangeEvent) {
	if run, ok := e.currentRun(); ok {
		e.handleAssignment(ctx, run, event)
	}
}

// HandleEntityUpdated processes one update event for the running
// subscription.
func (e *Engine) HandleEntityUpdated(ctx context.Context, event ChangeEvent) {
	if run, ok := e.currentRun(); ok {
		e.handleUpdate(ctx, run, event)
	}
}

// RunLookahead performs one reminder pass and returns how many reminders
// fired. It is a no-op unless the engine is subscribed.
func (e *Engine) RunLookahead(ctx context.Context) int {
	run, ok := e.currentRun()
	if !ok {
		return 0
	}
	return e.lookahead(ctx, run)
}

// SweepDedup evicts reminder keys whose date is older than the dedup TTL.
func (e *Engine) SweepDedup() int {
	removed := e.dedup.sweep(e.clock.Now().Add(-e.dedupTTL))
	if removed > 0 {
		e.logf("realtime dedup sweep evicted %d keys", removed)
	}
	return removed
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:         e.state,
		UserID:        e.userID,
		DedupSize:     e.dedup.size(),
		AlertsFired:   e.alertsFired,
		LastLookahead: e.lastLookahead,
	}
}

func (e *Engine) loop(ctx context.Context, run uint64, poll, sweep clock.Ticker, done chan struct{}) {
	defer close(done)
	defer poll.Stop()
	defer sweep.Stop()

	e.lookahead(ctx, run)
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C():
			e.lookahead(ctx, run)
		case <-sweep.C():
			e.SweepDedup()
		}
	}
}

func (e *Engine) handleAssignment(ctx context.Context, run uint64, event ChangeEvent) {
	ctx, span := tracer.Start(ctx, "realtime.assignment_created", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	user, ok := e.userFor(run)
	if !ok {
		return
	}
	var assignment Assignment
	if err := decodeJSON(event.New, &assignment); err != nil || assignment.EntityID == "" {
		e.logf("realtime assignment event dropped: undecodable record")
		return
	}
	if assignment.UserID != "" && assignment.UserID != user {
		return
	}
	span.SetAttributes(attribute.String("entity.id", assignment.EntityID))
	entity, err := e.lookup.GetEntity(ctx, assignment.EntityID)
	if err != nil {
		e.logf("realtime lookup entity %s failed: %v", assignment.EntityID, err)
		return
	}
	e.notify(ctx, run, KindNewAssignment, entity, nil)
}

func (e *Engine) handleUpdate(ctx context.Context, run uint64, event ChangeEvent) {
	ctx, span := tracer.Start(ctx, "realtime.entity_updated", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	user, ok := e.userFor(run)
	if !ok {
		return
	}
	updated, err := decodeEntity(event.New)
	if err != nil || updated == nil || updated.ID == "" {
		e.logf("realtime update event dropped: undecodable record")
		return
	}
	old, err := decodeEntity(event.Old)
	if err != nil {
		old = nil
	}
	span.SetAttributes(attribute.String("entity.id", updated.ID))

	assignees, err := e.lookup.ListAssignees(ctx, updated.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logf("realtime lookup assignees of %s failed: %v", updated.ID, err)
		}
		return
	}
	if !containsString(assignees, user) {
		return
	}
	kind, ok := ClassifyChange(event.Old, event.New, old, *updated)
	if !ok {
		e.logf("realtime update of %s carries no change; duplicate delivery dropped", updated.ID)
		return
	}
	span.SetAttributes(attribute.String("alert.kind", string(kind)))
	e.notify(ctx, run, kind, *updated, nil)
}

func (e *Engine) lookahead(ctx context.Context, run uint64) int {
	ctx, span := tracer.Start(ctx, "realtime.lookahead")
	defer span.End()

	user, ok := e.userFor(run)
	if !ok {
		return 0
	}
	now := e.clock.Now()
	windowStart := now.Add(e.windowStart)
	windowEnd := now.Add(e.windowEnd)

	entities, err := e.lookup.ListAssignedEntities(ctx, user)
	if err != nil {
		e.logf("realtime lookahead listing for %s failed: %v", user, err)
		return 0
	}
	sort.SliceStable(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	fired := 0
	for _, entity := range entities {
		if entity.Closed() {
			continue
		}
		for _, date := range entity.sortedDates() {
			if !date.After(windowStart) || date.After(windowEnd) {
				continue
			}
			key := newReminderKey(entity.ID, date, LeadTimeOneHour)
			if !e.dedup.reserve(key) {
				continue
			}
			if !e.notify(ctx, run, KindReminder, entity, &key) {
				e.dedup.release(key)
				continue
			}
			fired++
		}
	}

	e.mu.Lock()
	if e.run == run {
		e.lastLookahead = now
	}
	e.mu.Unlock()
	span.SetAttributes(attribute.Int("reminders.fired", fired))
	return fired
}

// notify renders one alert unless the subscription that produced it has been
// torn down. It reports whether the alert was shown.
func (e *Engine) notify(ctx context.Context, run uint64, kind Kind, entity Entity, key *ReminderKey) bool {
	if _, ok := e.userFor(run); !ok {
		return false
	}
	descriptor := e.describe(kind, entity, key)
	if err := e.surface.ShowAlert(ctx, descriptor.Title, descriptor); err != nil {
		e.logf("realtime alert %s for %s failed: %v", kind, entity.ID, err)
		return false
	}
	e.mu.Lock()
	e.alertsFired++
	e.mu.Unlock()
	return true
}

func (e *Engine) describe(kind Kind, entity Entity, key *ReminderKey) alerts.Descriptor {
	descriptor := alerts.DefaultDescriptor(e.printer)
	title := strings.TrimSpace(entity.Title)
	if title == "" {
		title = e.printer.Sprintf(i18n.UntitledEntityLabel)
	}
	switch kind {
	case KindNewAssignment:
		descriptor.Title = e.printer.Sprintf(i18n.NewAssignmentTitle)
		descriptor.Body = e.printer.Sprintf(i18n.NewAssignmentBody, title)
	case KindCancelled:
		descriptor.Title = e.printer.Sprintf(i18n.CancelledTitle)
		descriptor.Body = e.printer.Sprintf(i18n.CancelledBody, title)
	case KindRescheduled:
		descriptor.Title = e.printer.Sprintf(i18n.RescheduledTitle)
		descriptor.Body = e.printer.Sprintf(i18n.RescheduledBody, title, e.nextDateLabel(entity))
	case KindUrgent:
		descriptor.Title = e.printer.Sprintf(i18n.UrgentTitle)
		descriptor.Body = e.printer.Sprintf(i18n.UrgentBody, title)
	case KindReminder:
		descriptor.Title = e.printer.Sprintf(i18n.ReminderTitle)
		if key != nil {
			descriptor.Body = e.printer.Sprintf(i18n.ReminderBody, title, key.Date.In(e.location).Format(timeLayout))
		}
	default:
		descriptor.Title = e.printer.Sprintf(i18n.UpdateTitle)
		descriptor.Body = e.printer.Sprintf(i18n.UpdateBody, title)
	}
	descriptor.Tag = fmt.Sprintf("srp-%s-%s", kind, entity.ID)
	if key != nil {
		descriptor.Tag = fmt.Sprintf("srp-%s-%s-%d", kind, entity.ID, key.Date.Unix())
	}
	descriptor.Data = alerts.Data{
		URL:      e.entityURL(entity.ID),
		EntityID: entity.ID,
		Kind:     string(kind),
	}
	return descriptor
}

func (e *Engine) nextDateLabel(entity Entity) string {
	dates := entity.sortedDates()
	if len(dates) == 0 {
		return "-"
	}
	now := e.clock.Now()
	for _, date := range dates {
		if date.After(now) {
			return date.In(e.location).Format(dateLayout)
		}
	}
	return dates[len(dates)-1].In(e.location).Format(dateLayout)
}

func (e *Engine) currentRun() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run, e.state == StateSubscribed
}

// userFor returns the subscribed user while run is still the live
// subscription.
func (e *Engine) userFor(run uint64) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateSubscribed || e.run != run {
		return "", false
	}
	return e.userID, true
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
