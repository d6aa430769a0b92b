package routing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
)

const minutesPerDay = 24 * 60

// Covers reports whether the schedule's business hours include now, in the
// schedule's timezone. A window whose end is before its start runs from the
// start until midnight and continues on the following day until the end.
func Covers(schedule *models.Schedule, now time.Time) (bool, error) {
	if schedule == nil {
		return true, nil
	}

	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		return false, faults.Wrap(faults.KindValidation, "routing.schedule", err, fmt.Sprintf("invalid timezone %q", schedule.Timezone))
	}

	local := now.In(loc)
	day := int(local.Weekday())
	minute := local.Hour()*60 + local.Minute()

	for _, window := range schedule.Hours {
		start, err := parseClock(window.StartTime)
		if err != nil {
			return false, err
		}

		end, err := parseClock(window.EndTime)
		if err != nil {
			return false, err
		}

		if end >= start {
			if window.DayOfWeek == day && minute >= start && minute < end {
				return true, nil
			}

			continue
		}

		if window.DayOfWeek == day && minute >= start {
			return true, nil
		}

		if (window.DayOfWeek+1)%7 == day && minute < end {
			return true, nil
		}
	}

	return false, nil
}

// parseClock turns "HH:mm" into minutes after midnight. "24:00" is accepted
// as the end of the day.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, faults.Newf(faults.KindValidation, "routing.schedule", "invalid time %q", s)
	}

	h, errH := strconv.Atoi(hh)
	m, errM := strconv.Atoi(mm)

	if errH != nil || errM != nil || h < 0 || m < 0 || m > 59 || h*60+m > minutesPerDay {
		return 0, faults.Newf(faults.KindValidation, "routing.schedule", "invalid time %q", s)
	}

	return h*60 + m, nil
}
