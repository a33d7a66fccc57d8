package gate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// fixedNow is a weekday noon so default quiet hours never interfere unless a
// test moves the clock.
var fixedNow = time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)

func newTestController(st store.Store, now time.Time) *Controller {
	return NewController(st, WithClock(func() time.Time { return now }))
}

func testUser(id string) *models.User {
	return &models.User{ID: id, Name: "Test User", Status: models.UserStatusActive}
}

func testTiming(userID string, timingType models.TimingType, priority models.Priority, subjectID string) models.PromptTiming {
	timing := models.PromptTiming{
		Type:       timingType,
		UserID:     userID,
		Priority:   priority,
		Confidence: 0.8,
	}
	if subjectID != "" {
		timing.Metadata = map[string]string{models.MetadataSubjectID: subjectID}
	}
	return timing
}

// seedDelivered walks a prompt through the full lifecycle so the history
// queries see it the same way they see production rows.
func seedDelivered(t *testing.T, st store.Store, id, userID string, timingType models.TimingType, subjectID string, deliveredAt time.Time, responded bool) {
	t.Helper()
	ctx := context.Background()
	p := &models.Prompt{
		ID:         id,
		UserID:     userID,
		TimingType: timingType,
		SubjectID:  subjectID,
		Priority:   models.PriorityMedium,
		State:      models.StatePending,
		Content: models.PromptContent{
			Title: "Check-in",
			Body:  "How is it going?",
		},
		ScheduledFor: deliveredAt.Add(-2 * time.Minute),
		ExpiresAt:    deliveredAt.Add(4 * time.Hour),
		CreatedAt:    deliveredAt.Add(-2 * time.Minute),
	}
	if subjectID != "" {
		p.Metadata = map[string]string{models.MetadataSubjectID: subjectID}
	}
	if err := st.CreatePrompt(ctx, p); err != nil {
		t.Fatalf("CreatePrompt(%s) error = %v", id, err)
	}
	if err := st.MarkQueued(ctx, id); err != nil {
		t.Fatalf("MarkQueued(%s) error = %v", id, err)
	}
	claimed, err := st.ClaimForDelivery(ctx, id)
	if err != nil || !claimed {
		t.Fatalf("ClaimForDelivery(%s) = %v, %v", id, claimed, err)
	}
	if err := st.MarkDelivered(ctx, id, models.ChannelPush, deliveredAt); err != nil {
		t.Fatalf("MarkDelivered(%s) error = %v", id, err)
	}
	if responded {
		applied, err := st.MarkResponded(ctx, id, "done", models.ActionCompleteHabit, deliveredAt.Add(time.Minute))
		if err != nil || !applied {
			t.Fatalf("MarkResponded(%s) = %v, %v", id, applied, err)
		}
	}
}

func savePref(t *testing.T, st store.Store, pref *models.UserNotificationPreference) {
	t.Helper()
	if err := st.SaveNotificationPreference(context.Background(), pref); err != nil {
		t.Fatalf("SaveNotificationPreference() error = %v", err)
	}
}

func TestAdmitAllowsCleanHistory(t *testing.T) {
	st := store.NewInMemoryStore()
	ctrl := newTestController(st, fixedNow)

	dec, err := ctrl.Admit(context.Background(), testUser("user-1"), testTiming("user-1", models.TimingDailyCheckin, models.PriorityMedium, ""))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !dec.Admitted {
		t.Errorf("Admit() = rejected (%s), want admitted", dec.Reason)
	}
}

func TestAdmitQuietHours(t *testing.T) {
	tests := []struct {
		name     string
		local    time.Time
		admitted bool
	}{
		{"before midnight inside window", time.Date(2026, 7, 15, 23, 30, 0, 0, time.UTC), false},
		{"after midnight inside window", time.Date(2026, 7, 15, 7, 0, 0, 0, time.UTC), false},
		{"window start boundary", time.Date(2026, 7, 15, 22, 0, 0, 0, time.UTC), false},
		{"window end boundary", time.Date(2026, 7, 15, 8, 0, 0, 0, time.UTC), true},
		{"midday outside window", time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewInMemoryStore()
			pref := models.DefaultNotificationPreference("user-1")
			pref.QuietHoursStart = "22:00"
			pref.QuietHoursEnd = "08:00"
			savePref(t, st, pref)

			ctrl := newTestController(st, tt.local)
			dec, err := ctrl.Admit(context.Background(), testUser("user-1"), testTiming("user-1", models.TimingDailyCheckin, models.PriorityMedium, ""))
			if err != nil {
				t.Fatalf("Admit() error = %v", err)
			}
			if dec.Admitted != tt.admitted {
				t.Errorf("Admit() at %s = %v (%s), want %v", tt.local.Format("15:04"), dec.Admitted, dec.Reason, tt.admitted)
			}
		})
	}
}

func TestAdmitQuietHoursUseUserTimezone(t *testing.T) {
	st := store.NewInMemoryStore()
	pref := models.DefaultNotificationPreference("user-1")
	pref.Timezone = "America/New_York"
	savePref(t, st, pref)

	// 23:00 UTC is 19:00 in New York: quiet on the server clock, active for
	// the user.
	ctrl := newTestController(st, time.Date(2026, 7, 15, 23, 0, 0, 0, time.UTC))
	dec, err := ctrl.Admit(context.Background(), testUser("user-1"), testTiming("user-1", models.TimingDailyCheckin, models.PriorityMedium, ""))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !dec.Admitted {
		t.Errorf("Admit() = rejected (%s), want admitted in user-local evening", dec.Reason)
	}
}

func TestAdmitFallsBackToUserRecordTimezone(t *testing.T) {
	st := store.NewInMemoryStore()
	user := testUser("user-1")
	user.Timezone = "America/New_York"

	// No stored preference, so the default (no timezone) applies and the user
	// record supplies the location.
	ctrl := newTestController(st, time.Date(2026, 7, 15, 23, 0, 0, 0, time.UTC))
	dec, err := ctrl.Admit(context.Background(), user, testTiming("user-1", models.TimingDailyCheckin, models.PriorityMedium, ""))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !dec.Admitted {
		t.Errorf("Admit() = rejected (%s), want admitted via user record timezone", dec.Reason)
	}
}

func TestAdmitDailyCapAppliesToAllPriorities(t *testing.T) {
	st := store.NewInMemoryStore()
	pref := models.DefaultNotificationPreference("user-1")
	pref.MaxDailyPrompts = 2
	pref.MinIntervalMinutes = 0
	savePref(t, st, pref)

	seedDelivered(t, st, "p-1", "user-1", models.TimingHabitGap, "habit-1", fixedNow.Add(-4*time.Hour), true)
	seedDelivered(t, st, "p-2", "user-1", models.TimingHabitGap, "habit-2", fixedNow.Add(-2*time.Hour), true)

	ctrl := newTestController(st, fixedNow)
	dec, err := ctrl.Admit(context.Background(), testUser("user-1"), testTiming("user-1", models.TimingProgressStall, models.PriorityHigh, ""))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if dec.Admitted {
		t.Error("Admit() admitted a high-priority timing past the daily cap")
	}
}

func TestAdmitMinimumInterval(t *testing.T) {
	tests := []struct {
		name         string
		deliveredAgo time.Duration
		admitted     bool
	}{
		{"recent delivery blocks", 30 * time.Minute, false},
		{"old delivery allows", 3 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewInMemoryStore()
			pref := models.DefaultNotificationPreference("user-1")
			pref.MinIntervalMinutes = 120
			savePref(t, st, pref)

			seedDelivered(t, st, "p-1", "user-1", models.TimingHabitGap, "habit-1", fixedNow.Add(-tt.deliveredAgo), true)

			ctrl := newTestController(st, fixedNow)
			dec, err := ctrl.Admit(context.Background(), testUser("user-1"), testTiming("user-1", models.TimingDailyCheckin, models.PriorityMedium, ""))
			if err != nil {
				t.Fatalf("Admit() error = %v", err)
			}
			if dec.Admitted != tt.admitted {
				t.Errorf("Admit() = %v (%s), want %v", dec.Admitted, dec.Reason, tt.admitted)
			}
		})
	}
}

func TestAdmitEngagementThrottle(t *testing.T) {
	setup := func(t *testing.T, delivered, responded int) store.Store {
		st := store.NewInMemoryStore()
		pref := models.DefaultNotificationPreference("user-1")
		pref.MinIntervalMinutes = 0
		pref.MaxDailyPrompts = 50
		savePref(t, st, pref)
		for i := 0; i < delivered; i++ {
			seedDelivered(t, st, fmt.Sprintf("p-%d", i), "user-1",
				models.TimingHabitGap, fmt.Sprintf("habit-%d", i),
				fixedNow.Add(-time.Duration(20+i)*time.Hour), i < responded)
		}
		return st
	}

	t.Run("low engagement blocks medium priority", func(t *testing.T) {
		st := setup(t, 6, 1)
		ctrl := newTestController(st, fixedNow)
		dec, err := ctrl.Admit(context.Background(), testUser("user-1"), testTiming("user-1", models.TimingDailyCheckin, models.PriorityMedium, ""))
		if err != nil {
			t.Fatalf("Admit() error = %v", err)
		}
		if dec.Admitted {
			t.Error("Admit() admitted a medium timing despite low engagement")
		}
	})

	t.Run("low engagement still allows high priority", func(t *testing.T) {
		st := setup(t, 6, 1)
		ctrl := newTestController(st, fixedNow)
		dec, err := ctrl.Admit(context.Background(), testUser("user-1"), testTiming("user-1", models.TimingHabitGap, models.PriorityHigh, "habit-new"))
		if err != nil {
			t.Fatalf("Admit() error = %v", err)
		}
		if !dec.Admitted {
			t.Errorf("Admit() = rejected (%s), want high priority admitted", dec.Reason)
		}
	})

	t.Run("small sample does not throttle", func(t *testing.T) {
		st := setup(t, 4, 0)
		ctrl := newTestController(st, fixedNow)
		dec, err := ctrl.Admit(context.Background(), testUser("user-1"), testTiming("user-1", models.TimingDailyCheckin, models.PriorityMedium, ""))
		if err != nil {
			t.Fatalf("Admit() error = %v", err)
		}
		if !dec.Admitted {
			t.Errorf("Admit() = rejected (%s), want admitted with under %d deliveries", dec.Reason, EngagementMinSample)
		}
	})
}

func TestAdmitTimingTypeDisabled(t *testing.T) {
	st := store.NewInMemoryStore()
	pref := models.DefaultNotificationPreference("user-1")
	pref.EnabledTimingTypes = []models.TimingType{models.TimingDailyCheckin}
	savePref(t, st, pref)

	ctrl := newTestController(st, fixedNow)
	dec, err := ctrl.Admit(context.Background(), testUser("user-1"), testTiming("user-1", models.TimingHabitGap, models.PriorityHigh, "habit-1"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if dec.Admitted {
		t.Error("Admit() admitted a timing type the user disabled")
	}
}

func TestAdmitRecurrenceWindows(t *testing.T) {
	tests := []struct {
		name        string
		seedType    models.TimingType
		seedSubject string
		seedAgo     time.Duration
		askType     models.TimingType
		askSubject  string
		admitted    bool
	}{
		{"daily check-in repeats same day", models.TimingDailyCheckin, "", 3 * time.Hour, models.TimingDailyCheckin, "", false},
		{"daily check-in next day", models.TimingDailyCheckin, "", 26 * time.Hour, models.TimingDailyCheckin, "", true},
		{"habit gap same subject inside window", models.TimingHabitGap, "habit-1", 6 * time.Hour, models.TimingHabitGap, "habit-1", false},
		{"habit gap different subject", models.TimingHabitGap, "habit-1", 6 * time.Hour, models.TimingHabitGap, "habit-2", true},
		{"habit gap same subject past window", models.TimingHabitGap, "habit-1", 13 * time.Hour, models.TimingHabitGap, "habit-1", true},
		{"progress stall inside window", models.TimingProgressStall, "", 24 * time.Hour, models.TimingProgressStall, "", false},
		{"progress stall past window", models.TimingProgressStall, "", 72 * time.Hour, models.TimingProgressStall, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewInMemoryStore()
			pref := models.DefaultNotificationPreference("user-1")
			pref.MinIntervalMinutes = 0
			pref.MaxDailyPrompts = 50
			savePref(t, st, pref)

			seedDelivered(t, st, "seed-1", "user-1", tt.seedType, tt.seedSubject, fixedNow.Add(-tt.seedAgo), true)

			ctrl := newTestController(st, fixedNow)
			dec, err := ctrl.Admit(context.Background(), testUser("user-1"), testTiming("user-1", tt.askType, models.PriorityMedium, tt.askSubject))
			if err != nil {
				t.Fatalf("Admit() error = %v", err)
			}
			if dec.Admitted != tt.admitted {
				t.Errorf("Admit() = %v (%s), want %v", dec.Admitted, dec.Reason, tt.admitted)
			}
		})
	}
}

func TestInQuietHours(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, 7, 15, h, m, 0, 0, time.UTC)
	}
	tests := []struct {
		name       string
		now        time.Time
		start, end string
		want       bool
	}{
		{"non-wrapping inside", at(14, 0), "13:00", "15:00", true},
		{"non-wrapping outside", at(16, 0), "13:00", "15:00", false},
		{"wrapping before midnight", at(23, 30), "22:00", "08:00", true},
		{"wrapping after midnight", at(7, 59), "22:00", "08:00", true},
		{"wrapping outside", at(12, 0), "22:00", "08:00", false},
		{"equal bounds disabled", at(12, 0), "12:00", "12:00", false},
		{"malformed start", at(12, 0), "25:00", "13:00", false},
		{"malformed end", at(12, 0), "11:00", "nope", false},
		{"empty window", at(3, 0), "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inQuietHours(tt.now, tt.start, tt.end); got != tt.want {
				t.Errorf("inQuietHours(%s, %q, %q) = %v, want %v", tt.now.Format("15:04"), tt.start, tt.end, got, tt.want)
			}
		})
	}
}
