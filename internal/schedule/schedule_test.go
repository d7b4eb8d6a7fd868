// ABOUTME: Tests for next-fire computation and cron parsing
// ABOUTME: Covers one-shot, cron, disabled, and timezone-prefixed expressions

package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(t time.Time) *time.Time { return &t }

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(2 * time.Hour)

	tests := []struct {
		name string
		s    Schedule
		want *time.Time
	}{
		{
			name: "disabled never fires",
			s:    Schedule{StartAt: future, Enabled: false},
			want: nil,
		},
		{
			name: "one-shot in the future fires at start",
			s:    Schedule{StartAt: future, Enabled: true},
			want: ptr(future),
		},
		{
			name: "one-shot in the past fires now",
			s:    Schedule{StartAt: past, Enabled: true},
			want: ptr(now),
		},
		{
			name: "one-shot that ran never fires again",
			s:    Schedule{StartAt: past, Enabled: true, LastRunAt: ptr(past)},
			want: nil,
		},
		{
			name: "cron not yet started fires at start",
			s:    Schedule{StartAt: future, RepeatCron: "*/5 * * * *", Enabled: true},
			want: ptr(future),
		},
		{
			name: "cron after start uses next occurrence",
			s:    Schedule{StartAt: past, RepeatCron: "*/5 * * * *", Enabled: true},
			want: ptr(time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)),
		},
		{
			name: "cron that ran is strictly after now",
			s:    Schedule{StartAt: past, RepeatCron: "0 * * * *", Enabled: true, LastRunAt: ptr(now)},
			want: ptr(time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)),
		},
		{
			name: "seconds field",
			s:    Schedule{StartAt: past, RepeatCron: "45 * * * * *", Enabled: true},
			want: ptr(time.Date(2026, 3, 10, 12, 0, 45, 0, time.UTC)),
		},
		{
			name: "descriptor",
			s:    Schedule{StartAt: past, RepeatCron: "@daily", Enabled: true},
			want: ptr(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.s, now, time.UTC)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %v, got %v", tt.want, got)
		})
	}
}

func TestNextRun_CronTZPrefix(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	s := Schedule{StartAt: now.Add(-time.Hour), RepeatCron: "CRON_TZ=Asia/Tokyo 0 9 * * *", Enabled: true}

	got, err := NextRun(s, now, time.UTC)
	require.NoError(t, err)
	require.NotNil(t, got)

	// 09:00 in Tokyo is 00:00 UTC; strictly after now means the next day.
	assert.True(t, got.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)), "got %v", got)
}

func TestNextRun_InvalidCron(t *testing.T) {
	s := Schedule{StartAt: time.Now(), RepeatCron: "every tuesday", Enabled: true}

	_, err := NextRun(s, time.Now(), time.UTC)
	assert.True(t, errors.Is(err, ErrInvalidCron))
}

func TestSameMinute(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 5, 0, time.UTC)
	assert.True(t, sameMinute(base, base.Add(50*time.Second)))
	assert.False(t, sameMinute(base, base.Add(55*time.Second)))

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.True(t, sameMinute(base, base.In(tokyo).Add(10*time.Second)))
}

func TestSortByNextRun(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	list := []Schedule{
		{ID: "never"},
		{ID: "late", NextRunAt: ptr(t2)},
		{ID: "early", NextRunAt: ptr(t1)},
	}

	SortByNextRun(list)

	assert.Equal(t, "early", list[0].ID)
	assert.Equal(t, "late", list[1].ID)
	assert.Equal(t, "never", list[2].ID)
}
