package clocksync

import (
	"context"
	"fmt"
	"time"
)

// CalendarDays returns one row per day of year. DayOfWeek counts from
// 1 for Sunday to 7 for Saturday.
func CalendarDays(year int) []*CalendarDay {
	var days []*CalendarDay
	for d := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC); d.Year() == year; d = d.AddDate(0, 0, 1) {
		days = append(days, &CalendarDay{
			Date:      d,
			DayOfWeek: int(d.Weekday()) + 1,
			Month:     int(d.Month()),
			Year:      year,
		})
	}
	return days
}

// GenerateCalendar upserts every day of year. Running it twice leaves the
// second summary with only unchanged rows.
func GenerateCalendar(ctx context.Context, exec *Executor, governor *Governor, year int) (BackfillSummary, error) {
	summary := BackfillSummary{Kind: "calendar"}
	if year < 1 || year > 9999 {
		return summary, invalidField("year", fmt.Sprintf("out of range: %d", year))
	}
	for _, day := range CalendarDays(year) {
		var res UpsertResult
		err := governor.Do(ctx, "calendar "+day.Date.Format(dateLayout), func(ctx context.Context) error {
			var err error
			res, err = exec.Upsert(ctx, day)
			return err
		})
		if err != nil {
			return summary, fmt.Errorf("calendar day %s: %w", day.Date.Format(dateLayout), err)
		}
		summary.tally(res)
	}
	summary.Pages = 1
	return summary, nil
}
