package reporter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/keepawake/keepawake/internal/config"
	"github.com/keepawake/keepawake/internal/database"
	"github.com/keepawake/keepawake/internal/models"
	"github.com/keepawake/keepawake/pkg/utils"
)

// Reporter handles report generation
type Reporter struct {
	config *config.Config
	repo   *database.Repository
	now    func() time.Time
}

// New creates a new reporter
func New(cfg *config.Config, repo *database.Repository) *Reporter {
	return &Reporter{
		config: cfg,
		repo:   repo,
		now:    time.Now,
	}
}

// GenerateReport generates a report for the specified period
func (r *Reporter) GenerateReport(periodType string) (*models.Report, error) {
	period, err := GetPeriod(periodType, r.now().In(r.config.Location()))
	if err != nil {
		return nil, err
	}

	// Get raw summaries from database (SQL does the SUM)
	kinds, err := r.repo.GetKindSummarySince(period.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to get kind summary: %w", err)
	}

	tracked, err := r.repo.GetTrackedSecondsSince(period.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to get tracked time: %w", err)
	}

	actions, err := r.repo.GetActionCountsSince(period.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to get action counts: %w", err)
	}

	// Runtime calculates derived fields and percentages
	var heldSeconds int64
	for i := range kinds {
		kinds[i].HeldMinutes = float64(kinds[i].HeldSeconds) / 60.0
		kinds[i].HeldHours = float64(kinds[i].HeldSeconds) / 3600.0
		heldSeconds += kinds[i].HeldSeconds
	}

	if heldSeconds > 0 {
		for i := range kinds {
			kinds[i].Percentage = (float64(kinds[i].HeldSeconds) / float64(heldSeconds)) * 100.0
		}
	}

	report := &models.Report{
		Period:         *period,
		Kinds:          kinds,
		Actions:        actions,
		HeldSeconds:    heldSeconds,
		HeldMinutes:    float64(heldSeconds) / 60.0,
		HeldHours:      float64(heldSeconds) / 3600.0,
		TrackedSeconds: tracked,
		GeneratedAt:    r.now(),
	}
	if tracked > 0 {
		report.HeldPercentage = (float64(heldSeconds) / float64(tracked)) * 100.0
	}

	return report, nil
}

// GetPeriod calculates the time range of a day, week or month containing now
func GetPeriod(periodType string, now time.Time) (*models.ReportPeriod, error) {
	var start, end time.Time

	switch periodType {
	case "day", "today":
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		end = start.AddDate(0, 0, 1)

	case "week":
		// Start of week (Monday)
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7 // Sunday = 7
		}
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -(weekday - 1))
		end = start.AddDate(0, 0, 7)

	case "month":
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		end = start.AddDate(0, 1, 0)

	default:
		return nil, fmt.Errorf("invalid period type: %s (valid: day, week, month)", periodType)
	}

	return &models.ReportPeriod{
		Start: start,
		End:   end,
		Type:  periodType,
	}, nil
}

// FormatReportText formats the report as human-readable text
func (r *Reporter) FormatReportText(report *models.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Wake Lock Report - %s\n", report.Period.Type)
	fmt.Fprintf(&b, "Period: %s to %s\n",
		report.Period.Start.Format("2006-01-02 15:04"),
		report.Period.End.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Held: %.2fh (%s) of %s tracked, %.1f%%\n\n",
		report.HeldHours,
		utils.FormatRoundedUnit(time.Duration(report.HeldSeconds)*time.Second),
		utils.FormatRoundedUnit(time.Duration(report.TrackedSeconds)*time.Second),
		report.HeldPercentage)

	if len(report.Kinds) == 0 {
		b.WriteString("No wake lock held during this period.\n")
	} else {
		fmt.Fprintf(&b, "%-30s %10s %10s %10s\n", "Kind", "Hours", "Minutes", "Percent")
		b.WriteString(strings.Repeat("-", 63) + "\n")

		for _, kind := range report.Kinds {
			fmt.Fprintf(&b, "%-30s %10.2f %10.0f %9.1f%%\n",
				utils.Truncate(kind.Kind, 30),
				kind.HeldHours,
				kind.HeldMinutes,
				kind.Percentage)
		}
	}

	if len(report.Actions) > 0 {
		b.WriteString("\nEvents:\n")
		for _, action := range report.Actions {
			fmt.Fprintf(&b, "  %-12s %d\n", action.Action, action.Count)
		}
	}

	return b.String()
}

// FormatReportJSON formats the report as JSON
func (r *Reporter) FormatReportJSON(report *models.Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}
