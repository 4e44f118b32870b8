package reporter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepawake/keepawake/internal/config"
	"github.com/keepawake/keepawake/internal/database"
	"github.com/keepawake/keepawake/internal/models"
)

func newTestReporter(t *testing.T) (*Reporter, *database.Repository) {
	t.Helper()
	db, err := database.Connect(database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize())

	repo := database.NewRepository(db)
	return New(config.Default(), repo), repo
}

func TestGetPeriod(t *testing.T) {
	// Wednesday
	now := time.Date(2024, time.March, 13, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		period    string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"day", time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)},
		{"today", time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)},
		{"week", time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)},
		{"month", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			p, err := GetPeriod(tt.period, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, p.Start)
			assert.Equal(t, tt.wantEnd, p.End)
			assert.Equal(t, tt.period, p.Type)
		})
	}
}

func TestGetPeriodWeekOnSunday(t *testing.T) {
	sunday := time.Date(2024, time.March, 17, 9, 0, 0, 0, time.UTC)

	p, err := GetPeriod("week", sunday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), p.Start)
}

func TestGetPeriodInvalid(t *testing.T) {
	_, err := GetPeriod("year", time.Now())
	assert.ErrorContains(t, err, "invalid period type")
}

func TestGenerateReport(t *testing.T) {
	rep, repo := newTestReporter(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateSample(&models.StatusSample{
			Kind: "screen", Held: true, Status: "held", Visibility: "visible", Backend: "portal", Duration: 60,
		}))
	}
	require.NoError(t, repo.CreateSample(&models.StatusSample{
		Status: "released", Visibility: "hidden", Backend: "portal", Duration: 60,
	}))
	require.NoError(t, repo.CreateEvent(&models.LockEvent{Action: models.ActionAcquired, Kind: "screen", Backend: "portal"}))
	require.NoError(t, repo.CreateEvent(&models.LockEvent{Action: models.ActionReleased, Kind: "screen", Backend: "portal"}))

	report, err := rep.GenerateReport("day")
	require.NoError(t, err)

	assert.Equal(t, int64(180), report.HeldSeconds)
	assert.Equal(t, int64(240), report.TrackedSeconds)
	assert.InDelta(t, 75.0, report.HeldPercentage, 0.001)
	assert.InDelta(t, 3.0, report.HeldMinutes, 0.001)
	require.Len(t, report.Kinds, 1)
	assert.Equal(t, "screen", report.Kinds[0].Kind)
	assert.InDelta(t, 100.0, report.Kinds[0].Percentage, 0.001)
	assert.Len(t, report.Actions, 2)

	text := rep.FormatReportText(report)
	assert.Contains(t, text, "Wake Lock Report - day")
	assert.Contains(t, text, "screen")
	assert.Contains(t, text, "75.0%")
	assert.Contains(t, text, "acquired")

	js, err := rep.FormatReportJSON(report)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(js), &decoded))
	assert.EqualValues(t, 180, decoded["held_seconds"])
}

func TestGenerateReportEmpty(t *testing.T) {
	rep, _ := newTestReporter(t)

	report, err := rep.GenerateReport("week")
	require.NoError(t, err)
	assert.Zero(t, report.HeldSeconds)
	assert.Zero(t, report.HeldPercentage)

	assert.Contains(t, rep.FormatReportText(report), "No wake lock held during this period.")
}

func TestGenerateReportInvalidPeriod(t *testing.T) {
	rep, _ := newTestReporter(t)

	_, err := rep.GenerateReport("decade")
	assert.Error(t, err)
}
