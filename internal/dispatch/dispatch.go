// Package dispatch delivers queued prompts through channel sinks.
//
// A bounded priority heap orders work by effective rank (base priority plus
// one tier per prior retry) with FIFO ties. A fixed worker pool claims each
// prompt through a store CAS transition so two workers never double-deliver,
// walks the channel preference order for the prompt's priority, and records
// the outcome durably. Retry schedules live on the prompt record, so backoff
// survives restarts. Users reachable only by push and currently offline are
// parked until the connection registry signals a new connection.
package dispatch

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/channel"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

const (
	// DefaultWorkers is the delivery worker pool size.
	DefaultWorkers = 4
	// DefaultQueueCapacity bounds the in-memory heap. Overflow stays queued
	// in the store and is re-offered by the reconcile sweep.
	DefaultQueueCapacity = 1024
	// DefaultSendTimeout bounds one sink attempt so a slow channel cannot
	// starve the pool.
	DefaultSendTimeout = 5 * time.Second
	// MaxRetries is the delivery attempt ceiling before a prompt fails
	// terminally.
	MaxRetries = 5
	// retryBaseDelay is the backoff after the first failed attempt. Each
	// further failure doubles it.
	retryBaseDelay = 30 * time.Second
	// staleDeliveringAfter is how long a prompt may sit in delivering before
	// reconciliation assumes the claiming worker died.
	staleDeliveringAfter = 5 * time.Minute
)

// item is one heap entry. Only the prompt ID is authoritative; workers
// re-read the record before acting on it.
type item struct {
	promptID string
	userID   string
	rank     int
	seq      uint64
	index    int
}

type promptHeap []*item

func (h promptHeap) Len() int { return len(h) }

func (h promptHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h promptHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *promptHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *promptHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Opts holds configuration options for the dispatcher.
type Opts struct {
	Workers       int
	QueueCapacity int
	SendTimeout   time.Duration
	Clock         func() time.Time
}

// Option defines a configuration option for the dispatcher.
type Option func(*Opts)

// WithWorkers sets the delivery worker pool size.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// WithQueueCapacity bounds the in-memory delivery heap.
func WithQueueCapacity(n int) Option {
	return func(o *Opts) { o.QueueCapacity = n }
}

// WithSendTimeout bounds a single sink send attempt.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SendTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Dispatcher owns the delivery queue and worker pool.
type Dispatcher struct {
	store       store.Store
	sinks       map[models.Channel]channel.Sink
	now         func() time.Time
	workers     int
	capacity    int
	sendTimeout time.Duration

	mu     sync.Mutex
	heap   promptHeap
	inHeap map[string]struct{}
	parked map[string]map[string]struct{}
	seq    uint64

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given store and sinks.
func NewDispatcher(st store.Store, sinks []channel.Sink, opts ...Option) *Dispatcher {
	cfg := Opts{
		Workers:       DefaultWorkers,
		QueueCapacity: DefaultQueueCapacity,
		SendTimeout:   DefaultSendTimeout,
		Clock:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	byChannel := make(map[models.Channel]channel.Sink, len(sinks))
	for _, s := range sinks {
		byChannel[s.Channel()] = s
	}
	return &Dispatcher{
		store:       st,
		sinks:       byChannel,
		now:         cfg.Clock,
		workers:     cfg.Workers,
		capacity:    cfg.QueueCapacity,
		sendTimeout: cfg.SendTimeout,
		inHeap:      make(map[string]struct{}),
		parked:      make(map[string]map[string]struct{}),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the worker pool. Workers run until Stop is called or the
// context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	slog.Info("Dispatcher started", "workers", d.workers, "queue_capacity", d.capacity)
}

// Stop shuts the worker pool down and waits for in-flight attempts.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.wg.Wait()
	slog.Info("Dispatcher stopped")
}

// Submit queues a freshly created prompt and offers it to the workers. The
// prompt must already be persisted; a pending prompt is moved to queued
// here. A full heap is not an error: the record stays queued in the store
// and the reconcile sweep re-offers it.
func (d *Dispatcher) Submit(ctx context.Context, prompt *models.Prompt) error {
	if prompt.State == models.StatePending {
		if err := d.store.MarkQueued(ctx, prompt.ID); err != nil {
			return fmt.Errorf("failed to queue prompt: %w", err)
		}
		prompt.State = models.StateQueued
	}
	if !d.offer(prompt) {
		slog.Debug("Dispatcher.Submit heap full, prompt stays queued in store", "prompt_id", prompt.ID)
	}
	return nil
}

// Resume re-offers a user's queued prompts after a new connection appears.
// It also clears the user's parked set: prompts parked by another process
// re-enter through the shared store, not this process's bookkeeping.
func (d *Dispatcher) Resume(ctx context.Context, userID string) {
	d.mu.Lock()
	delete(d.parked, userID)
	d.mu.Unlock()

	prompts, err := d.store.ListPromptsByState(ctx, models.StateQueued)
	if err != nil {
		slog.Error("Dispatcher.Resume failed to list queued prompts", "user_id", userID, "error", err)
		return
	}
	offered := 0
	for _, p := range prompts {
		if p.UserID != userID {
			continue
		}
		if d.offer(p) {
			offered++
		}
	}
	if offered > 0 {
		slog.Debug("Dispatcher.Resume re-offered prompts", "user_id", userID, "count", offered)
	}
}

// Reconcile rescues prompts stranded in delivering by a dead worker, prunes
// parked entries that resolved elsewhere, and re-offers every queued prompt
// that is due. Run it at startup and then on a short cron cadence.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	rescued, err := d.store.RequeueStaleDelivering(ctx, d.now().Add(-staleDeliveringAfter))
	if err != nil {
		return fmt.Errorf("failed to requeue stale deliveries: %w", err)
	}
	if rescued > 0 {
		slog.Info("Dispatcher.Reconcile requeued stale deliveries", "count", rescued)
	}

	prompts, err := d.store.ListPromptsByState(ctx, models.StateQueued)
	if err != nil {
		return fmt.Errorf("failed to list queued prompts: %w", err)
	}

	queued := make(map[string]struct{}, len(prompts))
	for _, p := range prompts {
		queued[p.ID] = struct{}{}
	}
	d.pruneParked(queued)

	now := d.now()
	offered := 0
	for _, p := range prompts {
		if now.Before(nextAttemptNotBefore(p)) {
			continue
		}
		if d.isParked(p.UserID, p.ID) {
			// Waits for a connect signal instead of busy-polling.
			continue
		}
		if d.offer(p) {
			offered++
		}
	}
	if offered > 0 {
		slog.Debug("Dispatcher.Reconcile re-offered prompts", "count", offered)
	}
	return nil
}

// QueueDepth reports how many prompts are currently held in the heap.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.heap)
}

func (d *Dispatcher) offer(p *models.Prompt) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inHeap[p.ID]; ok {
		return true
	}
	if len(d.heap) >= d.capacity {
		return false
	}
	d.seq++
	heap.Push(&d.heap, &item{
		promptID: p.ID,
		userID:   p.UserID,
		rank:     effectiveRank(p),
		seq:      d.seq,
	})
	d.inHeap[p.ID] = struct{}{}
	d.signal()
	return true
}

// effectiveRank degrades repeatedly failing prompts toward the back of the
// queue instead of letting them spin at the front.
func effectiveRank(p *models.Prompt) int {
	return p.Priority.Rank() + p.RetryCount
}

// nextAttemptNotBefore returns the earliest moment a delivery attempt may
// run: the scheduled time, pushed out by any durable retry backoff.
func nextAttemptNotBefore(p *models.Prompt) time.Time {
	notBefore := p.ScheduledFor
	if p.NextAttemptAt != nil && p.NextAttemptAt.After(notBefore) {
		notBefore = *p.NextAttemptAt
	}
	return notBefore
}

func (d *Dispatcher) pop() *item {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.heap) == 0 {
		return nil
	}
	it := heap.Pop(&d.heap).(*item)
	delete(d.inHeap, it.promptID)
	return it
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) park(p *models.Prompt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.parked[p.UserID]
	if !ok {
		set = make(map[string]struct{})
		d.parked[p.UserID] = set
	}
	set[p.ID] = struct{}{}
}

func (d *Dispatcher) isParked(userID, promptID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.parked[userID][promptID]
	return ok
}

// pruneParked drops parked entries whose prompts left the queued state
// through another path (cancelled, expired, delivered by another process).
func (d *Dispatcher) pruneParked(queued map[string]struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for userID, set := range d.parked {
		for id := range set {
			if _, ok := queued[id]; !ok {
				delete(set, id)
			}
		}
		if len(set) == 0 {
			delete(d.parked, userID)
		}
	}
}

// worker drains the heap, blocking on the wake signal when it runs dry.
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		it := d.pop()
		if it == nil {
			select {
			case <-d.wake:
				continue
			case <-d.done:
				return
			case <-ctx.Done():
				return
			}
		}
		d.process(ctx, it.promptID)
	}
}

// process runs one delivery attempt. The heap entry is only a hint: the
// prompt is re-read and the queued -> delivering claim decides who delivers.
func (d *Dispatcher) process(ctx context.Context, promptID string) {
	prompt, err := d.store.GetPrompt(ctx, promptID)
	if err != nil {
		slog.Error("Dispatcher.process failed to load prompt", "prompt_id", promptID, "error", err)
		return
	}
	if prompt == nil || prompt.State != models.StateQueued {
		// Cancelled, expired, or another process handled it.
		return
	}

	now := d.now()
	if now.Before(nextAttemptNotBefore(prompt)) {
		// Backoff has not elapsed; the reconcile sweep re-offers it.
		return
	}
	if !prompt.ExpiresAt.IsZero() && now.After(prompt.ExpiresAt) {
		// The expiration sweep owns this transition.
		return
	}

	user, err := d.store.GetUser(ctx, prompt.UserID)
	if err != nil {
		slog.Error("Dispatcher.process failed to load user", "prompt_id", promptID, "user_id", prompt.UserID, "error", err)
		return
	}
	if user == nil {
		if err := d.store.MarkFailed(ctx, prompt.ID, "user not found"); err != nil {
			slog.Error("Dispatcher.process failed to mark orphan prompt", "prompt_id", promptID, "error", err)
		}
		return
	}

	pref, err := d.store.GetNotificationPreference(ctx, prompt.UserID)
	if err != nil {
		slog.Error("Dispatcher.process failed to load preferences", "prompt_id", promptID, "user_id", prompt.UserID, "error", err)
		return
	}

	sink, pushPermitted := d.selectSink(ctx, user, pref, prompt.Priority)
	if sink == nil && pushPermitted {
		// Only a live connection could reach this user. Hold the prompt
		// until the registry signals one instead of burning retries.
		d.park(prompt)
		slog.Debug("Dispatcher.process parked prompt until user connects", "prompt_id", prompt.ID, "user_id", prompt.UserID)
		return
	}

	claimed, err := d.store.ClaimForDelivery(ctx, prompt.ID)
	if err != nil {
		slog.Error("Dispatcher.process failed to claim prompt", "prompt_id", promptID, "error", err)
		return
	}
	if !claimed {
		// Lost the race to another worker or a concurrent cancel.
		return
	}

	if sink == nil {
		d.recordFailure(ctx, prompt, "no delivery channel available")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	err = sink.Send(sendCtx, user, prompt)
	cancel()
	if err != nil {
		d.recordFailure(ctx, prompt, err.Error())
		return
	}

	if err := d.store.MarkDelivered(ctx, prompt.ID, sink.Channel(), d.now()); err != nil {
		slog.Error("Dispatcher.process failed to record delivery", "prompt_id", promptID, "channel", sink.Channel(), "error", err)
		return
	}
	slog.Info("Dispatcher.process delivered prompt", "prompt_id", prompt.ID, "user_id", prompt.UserID, "channel", sink.Channel(), "retry_count", prompt.RetryCount)
}

// selectSink walks the priority's preference order and returns the first
// sink enabled for the user and currently able to reach them. pushPermitted
// reports whether push was a candidate at all, which decides parking versus
// failing when nothing is available.
func (d *Dispatcher) selectSink(ctx context.Context, user *models.User, pref *models.UserNotificationPreference, priority models.Priority) (channel.Sink, bool) {
	pushPermitted := false
	for _, ch := range channel.PreferenceOrder(priority) {
		if !pref.ChannelEnabled(ch) {
			continue
		}
		sink, ok := d.sinks[ch]
		if !ok {
			continue
		}
		if ch == models.ChannelPush {
			pushPermitted = true
		}
		if sink.Available(ctx, user) {
			return sink, pushPermitted
		}
	}
	return nil, pushPermitted
}

// recordFailure books one failed attempt on a prompt the caller has claimed:
// back to queued with doubled backoff, or terminally failed once the attempt
// ceiling is spent.
func (d *Dispatcher) recordFailure(ctx context.Context, prompt *models.Prompt, msg string) {
	if prompt.RetryCount >= MaxRetries {
		if err := d.store.MarkFailed(ctx, prompt.ID, msg); err != nil {
			slog.Error("Dispatcher.process failed to mark prompt failed", "prompt_id", prompt.ID, "error", err)
			return
		}
		slog.Warn("Dispatcher.process gave up on prompt", "prompt_id", prompt.ID, "user_id", prompt.UserID, "retry_count", prompt.RetryCount, "error", msg)
		return
	}

	delay := retryBaseDelay << uint(prompt.RetryCount)
	next := d.now().Add(delay)
	if err := d.store.RequeueForRetry(ctx, prompt.ID, msg, next); err != nil {
		slog.Error("Dispatcher.process failed to requeue prompt", "prompt_id", prompt.ID, "error", err)
		return
	}
	slog.Debug("Dispatcher.process delivery failed, scheduled retry", "prompt_id", prompt.ID, "user_id", prompt.UserID, "retry_count", prompt.RetryCount+1, "next_attempt_at", next)
}
