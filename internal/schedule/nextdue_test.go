package schedule

import (
	"errors"
	"testing"
	"time"

	"heraldbot/internal/domain"
)

var testBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func durp(d time.Duration) *time.Duration { return &d }

func TestNextDueInterval(t *testing.T) {
	t.Parallel()
	g := domain.ContentGroup{DispatchInterval: durp(45 * time.Minute)}
	next, err := NextDue(g, testBase)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	if want := testBase.Add(45 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextDueCronWinsOverInterval(t *testing.T) {
	t.Parallel()
	g := domain.ContentGroup{
		DispatchInterval: durp(10 * time.Minute),
		DispatchCron:     "@every 90m",
	}
	next, err := NextDue(g, testBase)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	if want := testBase.Add(90 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v (cron takes precedence)", next, want)
	}
}

func TestNextDueCronDescriptor(t *testing.T) {
	t.Parallel()
	g := domain.ContentGroup{DispatchCron: "@hourly"}
	next, err := NextDue(g, testBase)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	if want := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextDueCronFiveField(t *testing.T) {
	t.Parallel()
	g := domain.ContentGroup{DispatchCron: "30 14 * * *"}
	next, err := NextDue(g, testBase)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	if want := time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextDueNoSchedule(t *testing.T) {
	t.Parallel()
	for _, g := range []domain.ContentGroup{
		{},
		{DispatchInterval: durp(0)},
		{DispatchInterval: durp(-time.Minute)},
		{DispatchCron: "   "},
	} {
		if _, err := NextDue(g, testBase); !errors.Is(err, ErrNoSchedule) {
			t.Fatalf("NextDue(%+v) = %v, want ErrNoSchedule", g, err)
		}
	}
}

func TestNextDueBadCron(t *testing.T) {
	t.Parallel()
	g := domain.ContentGroup{DispatchCron: "not a cron"}
	_, err := NextDue(g, testBase)
	if err == nil || errors.Is(err, ErrNoSchedule) {
		t.Fatalf("NextDue = %v, want a parse error", err)
	}
}
