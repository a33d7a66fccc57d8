package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// testBackends returns one store per backend so lifecycle rules are verified
// against the same transitions the production engine uses.
func testBackends(t *testing.T) map[string]Store {
	t.Helper()
	backends := map[string]Store{
		"memory": NewInMemoryStore(),
	}
	dbPath := filepath.Join(t.TempDir(), "coachpipe-test.db")
	sqlite, err := NewSQLiteStore(WithDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	backends["sqlite"] = sqlite
	return backends
}

func makeTestPrompt(id, userID string) *models.Prompt {
	now := time.Now().UTC()
	return &models.Prompt{
		ID:         id,
		UserID:     userID,
		TimingType: models.TimingDailyCheckin,
		Priority:   models.PriorityMedium,
		State:      models.StatePending,
		Content: models.PromptContent{
			Title: "Quick check-in",
			Body:  "How is your day going so far?",
			QuickReplies: []models.QuickReply{
				{Text: "Doing well", Value: "good", NextStep: ""},
				{Text: "Not today", Value: "skip"},
			},
		},
		ScheduledFor: now,
		ExpiresAt:    now.Add(models.DefaultPromptTTL),
	}
}

func TestCreateAndGetPrompt(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := makeTestPrompt("prompt-1", "user-1")
			if err := st.CreatePrompt(ctx, p); err != nil {
				t.Fatalf("CreatePrompt() error = %v", err)
			}

			got, err := st.GetPrompt(ctx, "prompt-1")
			if err != nil {
				t.Fatalf("GetPrompt() error = %v", err)
			}
			if got == nil {
				t.Fatal("GetPrompt() returned nil for existing prompt")
			}
			if got.UserID != "user-1" {
				t.Errorf("UserID = %q, want %q", got.UserID, "user-1")
			}
			if got.State != models.StatePending {
				t.Errorf("State = %q, want %q", got.State, models.StatePending)
			}
			if len(got.Content.QuickReplies) != 2 {
				t.Errorf("QuickReplies count = %d, want 2", len(got.Content.QuickReplies))
			}

			missing, err := st.GetPrompt(ctx, "no-such-prompt")
			if err != nil {
				t.Fatalf("GetPrompt(missing) error = %v", err)
			}
			if missing != nil {
				t.Errorf("GetPrompt(missing) = %+v, want nil", missing)
			}
		})
	}
}

func TestInFlightDeduplication(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := makeTestPrompt("dedup-1", "user-1")
			if err := st.CreatePrompt(ctx, first); err != nil {
				t.Fatalf("CreatePrompt(first) error = %v", err)
			}

			// Same user, timing type, and subject while the first is in flight.
			dup := makeTestPrompt("dedup-2", "user-1")
			if err := st.CreatePrompt(ctx, dup); !errors.Is(err, models.ErrDuplicateInFlight) {
				t.Fatalf("CreatePrompt(dup) error = %v, want ErrDuplicateInFlight", err)
			}

			// A different subject is a separate slot.
			other := makeTestPrompt("dedup-3", "user-1")
			other.TimingType = models.TimingHabitGap
			other.SubjectID = "habit-42"
			other.Metadata = map[string]string{models.MetadataSubjectID: "habit-42"}
			if err := st.CreatePrompt(ctx, other); err != nil {
				t.Fatalf("CreatePrompt(other subject) error = %v", err)
			}

			// Once the first leaves in-flight states the slot frees up.
			if err := st.MarkFailed(ctx, "dedup-1", "test failure"); err != nil {
				t.Fatalf("MarkFailed() error = %v", err)
			}
			again := makeTestPrompt("dedup-4", "user-1")
			if err := st.CreatePrompt(ctx, again); err != nil {
				t.Fatalf("CreatePrompt(after terminal) error = %v", err)
			}
		})
	}
}

func TestPromptLifecycleTransitions(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := makeTestPrompt("life-1", "user-1")
			if err := st.CreatePrompt(ctx, p); err != nil {
				t.Fatalf("CreatePrompt() error = %v", err)
			}

			if err := st.MarkQueued(ctx, "life-1"); err != nil {
				t.Fatalf("MarkQueued() error = %v", err)
			}
			// Queueing twice is an invalid transition.
			if err := st.MarkQueued(ctx, "life-1"); !errors.Is(err, models.ErrInvalidTransition) {
				t.Fatalf("MarkQueued(twice) error = %v, want ErrInvalidTransition", err)
			}

			claimed, err := st.ClaimForDelivery(ctx, "life-1")
			if err != nil {
				t.Fatalf("ClaimForDelivery() error = %v", err)
			}
			if !claimed {
				t.Fatal("ClaimForDelivery() = false, want true")
			}
			// A second claim must lose.
			claimed, err = st.ClaimForDelivery(ctx, "life-1")
			if err != nil {
				t.Fatalf("ClaimForDelivery(second) error = %v", err)
			}
			if claimed {
				t.Fatal("ClaimForDelivery(second) = true, want false")
			}

			deliveredAt := time.Now().UTC()
			if err := st.MarkDelivered(ctx, "life-1", models.ChannelPush, deliveredAt); err != nil {
				t.Fatalf("MarkDelivered() error = %v", err)
			}

			applied, err := st.MarkResponded(ctx, "life-1", "good", models.ActionDismiss, time.Now().UTC())
			if err != nil {
				t.Fatalf("MarkResponded() error = %v", err)
			}
			if !applied {
				t.Fatal("MarkResponded() applied = false, want true")
			}
			// Double response is reported, not applied.
			applied, err = st.MarkResponded(ctx, "life-1", "good", models.ActionDismiss, time.Now().UTC())
			if err != nil {
				t.Fatalf("MarkResponded(second) error = %v", err)
			}
			if applied {
				t.Fatal("MarkResponded(second) applied = true, want false")
			}

			got, err := st.GetPrompt(ctx, "life-1")
			if err != nil {
				t.Fatalf("GetPrompt() error = %v", err)
			}
			if got.State != models.StateResponded {
				t.Errorf("State = %q, want %q", got.State, models.StateResponded)
			}
			if got.Channel != models.ChannelPush {
				t.Errorf("Channel = %q, want %q", got.Channel, models.ChannelPush)
			}
			if got.DeliveredAt == nil || got.RespondedAt == nil {
				t.Error("DeliveredAt/RespondedAt not recorded")
			}
			if got.ResponseAction != models.ActionDismiss {
				t.Errorf("ResponseAction = %q, want %q", got.ResponseAction, models.ActionDismiss)
			}
		})
	}
}

func TestRequeueForRetryTracksAttempts(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := makeTestPrompt("retry-1", "user-1")
			if err := st.CreatePrompt(ctx, p); err != nil {
				t.Fatalf("CreatePrompt() error = %v", err)
			}
			if err := st.MarkQueued(ctx, "retry-1"); err != nil {
				t.Fatalf("MarkQueued() error = %v", err)
			}
			if _, err := st.ClaimForDelivery(ctx, "retry-1"); err != nil {
				t.Fatalf("ClaimForDelivery() error = %v", err)
			}

			next := time.Now().UTC().Add(30 * time.Second)
			if err := st.RequeueForRetry(ctx, "retry-1", "sink timeout", next); err != nil {
				t.Fatalf("RequeueForRetry() error = %v", err)
			}

			got, err := st.GetPrompt(ctx, "retry-1")
			if err != nil {
				t.Fatalf("GetPrompt() error = %v", err)
			}
			if got.State != models.StateQueued {
				t.Errorf("State = %q, want %q", got.State, models.StateQueued)
			}
			if got.RetryCount != 1 {
				t.Errorf("RetryCount = %d, want 1", got.RetryCount)
			}
			if got.NextAttemptAt == nil {
				t.Fatal("NextAttemptAt not recorded")
			}
			if got.LastError != "sink timeout" {
				t.Errorf("LastError = %q, want %q", got.LastError, "sink timeout")
			}

			// Delivery clears the retry bookkeeping.
			if _, err := st.ClaimForDelivery(ctx, "retry-1"); err != nil {
				t.Fatalf("ClaimForDelivery(again) error = %v", err)
			}
			if err := st.MarkDelivered(ctx, "retry-1", models.ChannelSMS, time.Now().UTC()); err != nil {
				t.Fatalf("MarkDelivered() error = %v", err)
			}
			got, err = st.GetPrompt(ctx, "retry-1")
			if err != nil {
				t.Fatalf("GetPrompt() error = %v", err)
			}
			if got.NextAttemptAt != nil {
				t.Errorf("NextAttemptAt = %v, want nil after delivery", got.NextAttemptAt)
			}
			if got.LastError != "" {
				t.Errorf("LastError = %q, want empty after delivery", got.LastError)
			}
		})
	}
}

func TestCancelPrompt(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := makeTestPrompt("cancel-1", "user-1")
			if err := st.CreatePrompt(ctx, p); err != nil {
				t.Fatalf("CreatePrompt() error = %v", err)
			}
			if err := st.CancelPrompt(ctx, "cancel-1"); err != nil {
				t.Fatalf("CancelPrompt() error = %v", err)
			}
			got, _ := st.GetPrompt(ctx, "cancel-1")
			if got.State != models.StateExpired {
				t.Errorf("State = %q, want %q", got.State, models.StateExpired)
			}

			if err := st.CancelPrompt(ctx, "no-such"); !errors.Is(err, models.ErrPromptNotFound) {
				t.Errorf("CancelPrompt(missing) error = %v, want ErrPromptNotFound", err)
			}

			// Delivered prompts cannot be cancelled.
			d := makeTestPrompt("cancel-2", "user-2")
			if err := st.CreatePrompt(ctx, d); err != nil {
				t.Fatalf("CreatePrompt() error = %v", err)
			}
			if err := st.MarkQueued(ctx, "cancel-2"); err != nil {
				t.Fatalf("MarkQueued() error = %v", err)
			}
			if _, err := st.ClaimForDelivery(ctx, "cancel-2"); err != nil {
				t.Fatalf("ClaimForDelivery() error = %v", err)
			}
			if err := st.MarkDelivered(ctx, "cancel-2", models.ChannelEmail, time.Now().UTC()); err != nil {
				t.Fatalf("MarkDelivered() error = %v", err)
			}
			if err := st.CancelPrompt(ctx, "cancel-2"); !errors.Is(err, models.ErrInvalidTransition) {
				t.Errorf("CancelPrompt(delivered) error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestExpirePrompts(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := makeTestPrompt("expire-1", "user-1")
			old.ExpiresAt = time.Now().UTC().Add(-time.Hour)
			if err := st.CreatePrompt(ctx, old); err != nil {
				t.Fatalf("CreatePrompt(old) error = %v", err)
			}
			fresh := makeTestPrompt("expire-2", "user-2")
			if err := st.CreatePrompt(ctx, fresh); err != nil {
				t.Fatalf("CreatePrompt(fresh) error = %v", err)
			}

			n, err := st.ExpirePrompts(ctx, time.Now().UTC())
			if err != nil {
				t.Fatalf("ExpirePrompts() error = %v", err)
			}
			if n != 1 {
				t.Errorf("ExpirePrompts() = %d, want 1", n)
			}
			got, _ := st.GetPrompt(ctx, "expire-1")
			if got.State != models.StateExpired {
				t.Errorf("old prompt State = %q, want %q", got.State, models.StateExpired)
			}
			got, _ = st.GetPrompt(ctx, "expire-2")
			if got.State != models.StatePending {
				t.Errorf("fresh prompt State = %q, want %q", got.State, models.StatePending)
			}
		})
	}
}

func TestRequeueStaleDelivering(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := makeTestPrompt("stale-1", "user-1")
			if err := st.CreatePrompt(ctx, p); err != nil {
				t.Fatalf("CreatePrompt() error = %v", err)
			}
			if err := st.MarkQueued(ctx, "stale-1"); err != nil {
				t.Fatalf("MarkQueued() error = %v", err)
			}
			if _, err := st.ClaimForDelivery(ctx, "stale-1"); err != nil {
				t.Fatalf("ClaimForDelivery() error = %v", err)
			}

			// Everything updated before the future cutoff counts as stale.
			n, err := st.RequeueStaleDelivering(ctx, time.Now().UTC().Add(time.Minute))
			if err != nil {
				t.Fatalf("RequeueStaleDelivering() error = %v", err)
			}
			if n != 1 {
				t.Errorf("RequeueStaleDelivering() = %d, want 1", n)
			}
			got, _ := st.GetPrompt(ctx, "stale-1")
			if got.State != models.StateQueued {
				t.Errorf("State = %q, want %q", got.State, models.StateQueued)
			}
		})
	}
}

func TestDailyCountAndLastDelivered(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dayStart := time.Now().UTC().Add(-6 * time.Hour)

			// One in-flight prompt counts toward the cap.
			inflight := makeTestPrompt("count-1", "user-1")
			if err := st.CreatePrompt(ctx, inflight); err != nil {
				t.Fatalf("CreatePrompt() error = %v", err)
			}

			// One delivered today counts too.
			delivered := makeTestPrompt("count-2", "user-1")
			delivered.TimingType = models.TimingProgressStall
			if err := st.CreatePrompt(ctx, delivered); err != nil {
				t.Fatalf("CreatePrompt() error = %v", err)
			}
			if err := st.MarkQueued(ctx, "count-2"); err != nil {
				t.Fatalf("MarkQueued() error = %v", err)
			}
			if _, err := st.ClaimForDelivery(ctx, "count-2"); err != nil {
				t.Fatalf("ClaimForDelivery() error = %v", err)
			}
			deliveredAt := time.Now().UTC().Add(-time.Hour)
			if err := st.MarkDelivered(ctx, "count-2", models.ChannelPush, deliveredAt); err != nil {
				t.Fatalf("MarkDelivered() error = %v", err)
			}

			count, err := st.CountActiveOrDeliveredSince(ctx, "user-1", dayStart)
			if err != nil {
				t.Fatalf("CountActiveOrDeliveredSince() error = %v", err)
			}
			if count != 2 {
				t.Errorf("CountActiveOrDeliveredSince() = %d, want 2", count)
			}

			last, err := st.LastDeliveredAt(ctx, "user-1")
			if err != nil {
				t.Fatalf("LastDeliveredAt() error = %v", err)
			}
			if last == nil {
				t.Fatal("LastDeliveredAt() = nil, want time")
			}
			if diff := last.Sub(deliveredAt); diff < -time.Second || diff > time.Second {
				t.Errorf("LastDeliveredAt() = %v, want ~%v", last, deliveredAt)
			}

			none, err := st.LastDeliveredAt(ctx, "user-none")
			if err != nil {
				t.Fatalf("LastDeliveredAt(none) error = %v", err)
			}
			if none != nil {
				t.Errorf("LastDeliveredAt(none) = %v, want nil", none)
			}
		})
	}
}

func TestRecentOutcomes(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// Three delivered, one of them responded.
			for i, respond := range []bool{true, false, false} {
				id := "outcome-" + string(rune('a'+i))
				p := makeTestPrompt(id, "user-1")
				p.TimingType = models.TimingHabitGap
				p.SubjectID = "habit-" + string(rune('a'+i))
				p.Metadata = map[string]string{models.MetadataSubjectID: p.SubjectID}
				if err := st.CreatePrompt(ctx, p); err != nil {
					t.Fatalf("CreatePrompt(%s) error = %v", id, err)
				}
				if err := st.MarkQueued(ctx, id); err != nil {
					t.Fatalf("MarkQueued(%s) error = %v", id, err)
				}
				if _, err := st.ClaimForDelivery(ctx, id); err != nil {
					t.Fatalf("ClaimForDelivery(%s) error = %v", id, err)
				}
				if err := st.MarkDelivered(ctx, id, models.ChannelPush, time.Now().UTC().Add(time.Duration(-i)*time.Minute)); err != nil {
					t.Fatalf("MarkDelivered(%s) error = %v", id, err)
				}
				if respond {
					if _, err := st.MarkResponded(ctx, id, "done", models.ActionCompleteHabit, time.Now().UTC()); err != nil {
						t.Fatalf("MarkResponded(%s) error = %v", id, err)
					}
				}
			}

			deliveredCount, responded, err := st.RecentOutcomes(ctx, "user-1", 20)
			if err != nil {
				t.Fatalf("RecentOutcomes() error = %v", err)
			}
			if deliveredCount != 3 {
				t.Errorf("delivered = %d, want 3", deliveredCount)
			}
			if responded != 1 {
				t.Errorf("responded = %d, want 1", responded)
			}

			// Limit trims to the most recent deliveries.
			deliveredCount, _, err = st.RecentOutcomes(ctx, "user-1", 2)
			if err != nil {
				t.Fatalf("RecentOutcomes(limit) error = %v", err)
			}
			if deliveredCount != 2 {
				t.Errorf("delivered with limit = %d, want 2", deliveredCount)
			}
		})
	}
}

func TestLastTimingAt(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := makeTestPrompt("timing-1", "user-1")
			p.TimingType = models.TimingHabitGap
			p.SubjectID = "habit-7"
			p.Metadata = map[string]string{models.MetadataSubjectID: "habit-7"}
			if err := st.CreatePrompt(ctx, p); err != nil {
				t.Fatalf("CreatePrompt() error = %v", err)
			}

			got, err := st.LastTimingAt(ctx, "user-1", models.TimingHabitGap, "habit-7")
			if err != nil {
				t.Fatalf("LastTimingAt() error = %v", err)
			}
			if got == nil {
				t.Fatal("LastTimingAt() = nil, want time")
			}

			other, err := st.LastTimingAt(ctx, "user-1", models.TimingHabitGap, "habit-8")
			if err != nil {
				t.Fatalf("LastTimingAt(other subject) error = %v", err)
			}
			if other != nil {
				t.Errorf("LastTimingAt(other subject) = %v, want nil", other)
			}
		})
	}
}

func TestUserRoundTrip(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u := &models.User{
				ID:         "user-1",
				Name:       "Jamie",
				Phone:      "+15551234567",
				Email:      "jamie@example.com",
				Timezone:   "America/New_York",
				Status:     models.UserStatusActive,
				EnrolledAt: time.Now().UTC(),
			}
			if err := st.SaveUser(ctx, u); err != nil {
				t.Fatalf("SaveUser() error = %v", err)
			}

			got, err := st.GetUser(ctx, "user-1")
			if err != nil {
				t.Fatalf("GetUser() error = %v", err)
			}
			if got == nil {
				t.Fatal("GetUser() = nil, want user")
			}
			if got.Timezone != "America/New_York" {
				t.Errorf("Timezone = %q, want %q", got.Timezone, "America/New_York")
			}

			paused := &models.User{ID: "user-2", Status: models.UserStatusPaused, EnrolledAt: time.Now().UTC()}
			if err := st.SaveUser(ctx, paused); err != nil {
				t.Fatalf("SaveUser(paused) error = %v", err)
			}

			active, err := st.ListActiveUsers(ctx)
			if err != nil {
				t.Fatalf("ListActiveUsers() error = %v", err)
			}
			if len(active) != 1 || active[0].ID != "user-1" {
				t.Errorf("ListActiveUsers() = %+v, want just user-1", active)
			}

			missing, err := st.GetUser(ctx, "no-such-user")
			if err != nil {
				t.Fatalf("GetUser(missing) error = %v", err)
			}
			if missing != nil {
				t.Errorf("GetUser(missing) = %+v, want nil", missing)
			}
		})
	}
}

func TestNotificationPreferenceDefaults(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			pref, err := st.GetNotificationPreference(ctx, "user-1")
			if err != nil {
				t.Fatalf("GetNotificationPreference() error = %v", err)
			}
			if pref.MaxDailyPrompts != models.DefaultMaxDailyPrompts {
				t.Errorf("default MaxDailyPrompts = %d, want %d", pref.MaxDailyPrompts, models.DefaultMaxDailyPrompts)
			}
			if pref.QuietHoursStart != models.DefaultQuietHoursStart {
				t.Errorf("default QuietHoursStart = %q, want %q", pref.QuietHoursStart, models.DefaultQuietHoursStart)
			}

			custom := &models.UserNotificationPreference{
				UserID:             "user-1",
				MaxDailyPrompts:    5,
				MinIntervalMinutes: 60,
				QuietHoursStart:    "23:00",
				QuietHoursEnd:      "07:00",
				Timezone:           "Europe/London",
				EnabledChannels:    []models.Channel{models.ChannelPush, models.ChannelEmail},
				EnabledTimingTypes: []models.TimingType{models.TimingDailyCheckin},
			}
			if err := st.SaveNotificationPreference(ctx, custom); err != nil {
				t.Fatalf("SaveNotificationPreference() error = %v", err)
			}

			got, err := st.GetNotificationPreference(ctx, "user-1")
			if err != nil {
				t.Fatalf("GetNotificationPreference(saved) error = %v", err)
			}
			if got.MaxDailyPrompts != 5 {
				t.Errorf("MaxDailyPrompts = %d, want 5", got.MaxDailyPrompts)
			}
			if !got.ChannelEnabled(models.ChannelEmail) || got.ChannelEnabled(models.ChannelSMS) {
				t.Errorf("channel opt-ins not persisted: %+v", got.EnabledChannels)
			}
			if got.TimingEnabled(models.TimingHabitGap) {
				t.Errorf("timing opt-ins not persisted: %+v", got.EnabledTimingTypes)
			}
		})
	}
}

func TestToneProfileRoundTrip(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			empty, err := st.GetToneProfile(ctx, "user-1")
			if err != nil {
				t.Fatalf("GetToneProfile(empty) error = %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("GetToneProfile(empty) = %v, want empty map", empty)
			}

			profile := map[string]float64{"gentle": 0.8, "direct": 0.2}
			if err := st.SaveToneProfile(ctx, "user-1", profile); err != nil {
				t.Fatalf("SaveToneProfile() error = %v", err)
			}
			got, err := st.GetToneProfile(ctx, "user-1")
			if err != nil {
				t.Fatalf("GetToneProfile() error = %v", err)
			}
			if got["gentle"] != 0.8 || got["direct"] != 0.2 {
				t.Errorf("GetToneProfile() = %v, want %v", got, profile)
			}
		})
	}
}

func TestEngineStats(t *testing.T) {
	for name, st := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u := &models.User{ID: "user-1", Status: models.UserStatusActive, EnrolledAt: time.Now().UTC()}
			if err := st.SaveUser(ctx, u); err != nil {
				t.Fatalf("SaveUser() error = %v", err)
			}

			p := makeTestPrompt("stats-1", "user-1")
			if err := st.CreatePrompt(ctx, p); err != nil {
				t.Fatalf("CreatePrompt() error = %v", err)
			}
			if err := st.MarkQueued(ctx, "stats-1"); err != nil {
				t.Fatalf("MarkQueued() error = %v", err)
			}
			if _, err := st.ClaimForDelivery(ctx, "stats-1"); err != nil {
				t.Fatalf("ClaimForDelivery() error = %v", err)
			}
			if err := st.MarkDelivered(ctx, "stats-1", models.ChannelPush, time.Now().UTC()); err != nil {
				t.Fatalf("MarkDelivered() error = %v", err)
			}
			if _, err := st.MarkResponded(ctx, "stats-1", "ok", models.ActionDismiss, time.Now().UTC()); err != nil {
				t.Fatalf("MarkResponded() error = %v", err)
			}

			stats, err := st.GetEngineStats(ctx)
			if err != nil {
				t.Fatalf("GetEngineStats() error = %v", err)
			}
			if stats.TotalPrompts != 1 {
				t.Errorf("TotalPrompts = %d, want 1", stats.TotalPrompts)
			}
			if stats.PromptsByState[models.StateResponded] != 1 {
				t.Errorf("responded count = %d, want 1", stats.PromptsByState[models.StateResponded])
			}
			if stats.ResponseRate != 1.0 {
				t.Errorf("ResponseRate = %v, want 1.0", stats.ResponseRate)
			}
			if stats.ActiveUsers != 1 {
				t.Errorf("ActiveUsers = %d, want 1", stats.ActiveUsers)
			}
		})
	}
}
