package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// InMemoryStore is a mutex-guarded Store used in tests and for ephemeral
// single-process runs. It applies the same transition rules as the SQL
// backends.
type InMemoryStore struct {
	mu       sync.RWMutex
	prompts  map[string]*models.Prompt
	users    map[string]*models.User
	prefs    map[string]*models.UserNotificationPreference
	profiles map[string]map[string]float64
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		prompts:  make(map[string]*models.Prompt),
		users:    make(map[string]*models.User),
		prefs:    make(map[string]*models.UserNotificationPreference),
		profiles: make(map[string]map[string]float64),
	}
}

// clonePrompt copies a prompt so callers never share mutable state with the store.
func clonePrompt(p *models.Prompt) *models.Prompt {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	if p.Content.QuickReplies != nil {
		cp.Content.QuickReplies = append([]models.QuickReply(nil), p.Content.QuickReplies...)
	}
	if p.DeliveredAt != nil {
		t := *p.DeliveredAt
		cp.DeliveredAt = &t
	}
	if p.RespondedAt != nil {
		t := *p.RespondedAt
		cp.RespondedAt = &t
	}
	if p.NextAttemptAt != nil {
		t := *p.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	return &cp
}

func (s *InMemoryStore) CreatePrompt(_ context.Context, p *models.Prompt) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.State.IsInFlight() {
		for _, existing := range s.prompts {
			if existing.State.IsInFlight() &&
				existing.UserID == p.UserID &&
				existing.TimingType == p.TimingType &&
				existing.SubjectID == p.SubjectID {
				return models.ErrDuplicateInFlight
			}
		}
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.prompts[p.ID] = clonePrompt(p)
	return nil
}

func (s *InMemoryStore) GetPrompt(_ context.Context, id string) (*models.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePrompt(s.prompts[id]), nil
}

// transition applies mutate to the prompt when its current state is one of
// from. It returns whether the prompt was in an eligible state.
func (s *InMemoryStore) transition(id string, from []models.PromptState, mutate func(*models.Prompt)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[id]
	if !ok {
		return false, models.ErrPromptNotFound
	}
	eligible := false
	for _, f := range from {
		if p.State == f {
			eligible = true
			break
		}
	}
	if !eligible {
		return false, nil
	}
	mutate(p)
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) MarkQueued(_ context.Context, id string) error {
	ok, err := s.transition(id, []models.PromptState{models.StatePending}, func(p *models.Prompt) {
		p.State = models.StateQueued
	})
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrInvalidTransition
	}
	return nil
}

func (s *InMemoryStore) ClaimForDelivery(_ context.Context, id string) (bool, error) {
	return s.transition(id, []models.PromptState{models.StateQueued}, func(p *models.Prompt) {
		p.State = models.StateDelivering
	})
}

func (s *InMemoryStore) MarkDelivered(_ context.Context, id string, channel models.Channel, at time.Time) error {
	ok, err := s.transition(id, []models.PromptState{models.StateDelivering}, func(p *models.Prompt) {
		p.State = models.StateDelivered
		p.Channel = channel
		t := at
		p.DeliveredAt = &t
		p.NextAttemptAt = nil
		p.LastError = ""
	})
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrInvalidTransition
	}
	return nil
}

func (s *InMemoryStore) RequeueForRetry(_ context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	ok, err := s.transition(id, []models.PromptState{models.StateDelivering}, func(p *models.Prompt) {
		p.State = models.StateQueued
		p.RetryCount++
		t := nextAttemptAt
		p.NextAttemptAt = &t
		p.LastError = errMsg
	})
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrInvalidTransition
	}
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, id string, errMsg string) error {
	ok, err := s.transition(id, []models.PromptState{
		models.StatePending, models.StateQueued, models.StateDelivering,
	}, func(p *models.Prompt) {
		p.State = models.StateFailed
		p.LastError = errMsg
	})
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrInvalidTransition
	}
	return nil
}

func (s *InMemoryStore) MarkResponded(_ context.Context, id string, value string, action models.ActionKind, at time.Time) (bool, error) {
	return s.transition(id, []models.PromptState{models.StateDelivered}, func(p *models.Prompt) {
		p.State = models.StateResponded
		p.ResponseValue = value
		p.ResponseAction = action
		t := at
		p.RespondedAt = &t
	})
}

func (s *InMemoryStore) CancelPrompt(_ context.Context, id string) error {
	ok, err := s.transition(id, []models.PromptState{models.StatePending, models.StateQueued}, func(p *models.Prompt) {
		p.State = models.StateExpired
	})
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrInvalidTransition
	}
	return nil
}

func (s *InMemoryStore) ExpirePrompts(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for _, p := range s.prompts {
		if (p.State == models.StatePending || p.State == models.StateQueued) && !p.ExpiresAt.After(now) {
			p.State = models.StateExpired
			p.UpdatedAt = time.Now()
			expired++
		}
	}
	return expired, nil
}

func (s *InMemoryStore) RequeueStaleDelivering(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requeued := 0
	for _, p := range s.prompts {
		if p.State == models.StateDelivering && !p.UpdatedAt.After(staleBefore) {
			p.State = models.StateQueued
			p.UpdatedAt = time.Now()
			requeued++
		}
	}
	return requeued, nil
}

func (s *InMemoryStore) ListPromptsByState(_ context.Context, states ...models.PromptState) ([]*models.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Prompt
	for _, p := range s.prompts {
		for _, st := range states {
			if p.State == st {
				out = append(out, clonePrompt(p))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListDeliveredPrompts(_ context.Context, userID string) ([]*models.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Prompt
	for _, p := range s.prompts {
		if p.UserID == userID && p.State == models.StateDelivered {
			out = append(out, clonePrompt(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeliveredAt.Before(*out[j].DeliveredAt)
	})
	return out, nil
}

func (s *InMemoryStore) CountActiveOrDeliveredSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, p := range s.prompts {
		if p.UserID != userID {
			continue
		}
		if p.State.IsInFlight() {
			count++
			continue
		}
		if p.DeliveredAt != nil && !p.DeliveredAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) LastDeliveredAt(_ context.Context, userID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *time.Time
	for _, p := range s.prompts {
		if p.UserID != userID || p.DeliveredAt == nil {
			continue
		}
		if last == nil || p.DeliveredAt.After(*last) {
			t := *p.DeliveredAt
			last = &t
		}
	}
	return last, nil
}

func (s *InMemoryStore) RecentOutcomes(_ context.Context, userID string, limit int) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var delivered []*models.Prompt
	for _, p := range s.prompts {
		if p.UserID == userID && p.DeliveredAt != nil {
			delivered = append(delivered, p)
		}
	}
	sort.Slice(delivered, func(i, j int) bool {
		return delivered[i].DeliveredAt.After(*delivered[j].DeliveredAt)
	})
	if limit > 0 && len(delivered) > limit {
		delivered = delivered[:limit]
	}
	responded := 0
	for _, p := range delivered {
		if p.State == models.StateResponded {
			responded++
		}
	}
	return len(delivered), responded, nil
}

func (s *InMemoryStore) LastTimingAt(_ context.Context, userID string, timingType models.TimingType, subjectID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *time.Time
	for _, p := range s.prompts {
		if p.UserID != userID || p.TimingType != timingType || p.SubjectID != subjectID {
			continue
		}
		if last == nil || p.CreatedAt.After(*last) {
			t := p.CreatedAt
			last = &t
		}
	}
	return last, nil
}

func (s *InMemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *InMemoryStore) ListActiveUsers(_ context.Context) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.User
	for _, u := range s.users {
		if u.Status == models.UserStatusActive {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveUser(_ context.Context, u *models.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetNotificationPreference(_ context.Context, userID string) (*models.UserNotificationPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pref, ok := s.prefs[userID]
	if !ok {
		return models.DefaultNotificationPreference(userID), nil
	}
	cp := *pref
	cp.EnabledChannels = append([]models.Channel(nil), pref.EnabledChannels...)
	cp.EnabledTimingTypes = append([]models.TimingType(nil), pref.EnabledTimingTypes...)
	return &cp, nil
}

func (s *InMemoryStore) SaveNotificationPreference(_ context.Context, pref *models.UserNotificationPreference) error {
	if pref.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pref.UpdatedAt = time.Now()
	cp := *pref
	cp.EnabledChannels = append([]models.Channel(nil), pref.EnabledChannels...)
	cp.EnabledTimingTypes = append([]models.TimingType(nil), pref.EnabledTimingTypes...)
	s.prefs[pref.UserID] = &cp
	return nil
}

func (s *InMemoryStore) GetToneProfile(_ context.Context, userID string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile := make(map[string]float64)
	for k, v := range s.profiles[userID] {
		profile[k] = v
	}
	return profile, nil
}

func (s *InMemoryStore) SaveToneProfile(_ context.Context, userID string, profile map[string]float64) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]float64, len(profile))
	for k, v := range profile {
		cp[k] = v
	}
	s.profiles[userID] = cp
	return nil
}

func (s *InMemoryStore) GetEngineStats(_ context.Context) (*models.EngineStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.EngineStats{PromptsByState: make(map[models.PromptState]int)}
	deliveredEver, responded := 0, 0
	for _, p := range s.prompts {
		stats.TotalPrompts++
		stats.PromptsByState[p.State]++
		if p.DeliveredAt != nil {
			deliveredEver++
		}
		if p.State == models.StateResponded {
			responded++
		}
	}
	if deliveredEver > 0 {
		stats.ResponseRate = float64(responded) / float64(deliveredEver)
	}
	for _, u := range s.users {
		if u.Status == models.UserStatusActive {
			stats.ActiveUsers++
		}
	}
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
