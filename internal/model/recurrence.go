// internal/model/recurrence.go
package model

import (
	"strconv"
	"time"

	appErrors "github.com/rebirthhq/comms-service/internal/errors"
)

// Recurrence frequencies
const (
	FrequencyDaily     = "daily"
	FrequencyWeekly    = "weekly"
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"
	FrequencyYearly    = "yearly"
	FrequencyCustom    = "custom"
)

// Recurrence end conditions
const (
	EndTypeNever            = "never"
	EndTypeAfterOccurrences = "after_occurrences"
	EndTypeEndDate          = "end_date"
)

var recurrenceFrequencies = []string{
	FrequencyDaily,
	FrequencyWeekly,
	FrequencyMonthly,
	FrequencyQuarterly,
	FrequencyYearly,
	FrequencyCustom,
}

// Recurrence is the delivery rule for RECURRING communications. For weekly
// frequency Days holds weekday integers 0-6 (Sunday to Saturday). EndValue
// is the occurrence count for after_occurrences and an RFC3339 date for
// end_date.
type Recurrence struct {
	Frequency string `json:"frequency"`
	Days      []int  `json:"days,omitempty"`
	EndType   string `json:"end_type,omitempty"`
	EndValue  string `json:"end_value,omitempty"`
}

// Validate checks the recurrence payload. An invalid recurrence is a hard
// save-time rejection, never silently defaulted.
func (r *Recurrence) Validate() error {
	if r == nil {
		return appErrors.NewInvalidRecurrence("recurrence is required for RECURRING delivery")
	}

	valid := false
	for _, f := range recurrenceFrequencies {
		if r.Frequency == f {
			valid = true
			break
		}
	}
	if !valid {
		return appErrors.NewInvalidRecurrence("invalid frequency: " + r.Frequency)
	}

	if r.Frequency == FrequencyWeekly {
		if len(r.Days) == 0 {
			return appErrors.NewInvalidRecurrence("weekly frequency requires a non-empty days list")
		}
		for _, day := range r.Days {
			if day < 0 || day > 6 {
				return appErrors.NewInvalidRecurrence("weekday out of range 0-6: " + strconv.Itoa(day))
			}
		}
	}

	switch r.EndType {
	case "", EndTypeNever:
	case EndTypeAfterOccurrences:
		n, err := strconv.Atoi(r.EndValue)
		if err != nil || n <= 0 {
			return appErrors.NewInvalidRecurrence("after_occurrences requires a positive occurrence count")
		}
	case EndTypeEndDate:
		if _, err := time.Parse(time.RFC3339, r.EndValue); err != nil {
			return appErrors.NewInvalidRecurrence("end_date requires an RFC3339 timestamp")
		}
	default:
		return appErrors.NewInvalidRecurrence("invalid end type: " + r.EndType)
	}

	return nil
}

// Period returns the interval after which a recurring communication becomes
// due again.
func (r *Recurrence) Period() time.Duration {
	switch r.Frequency {
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	case FrequencyQuarterly:
		return 91 * 24 * time.Hour
	case FrequencyYearly:
		return 365 * 24 * time.Hour
	default:
		// daily and custom
		return 24 * time.Hour
	}
}

// Ended reports whether the recurrence's end condition has been reached
// after the given number of completed runs.
func (r *Recurrence) Ended(now time.Time, runs int) bool {
	switch r.EndType {
	case EndTypeAfterOccurrences:
		n, err := strconv.Atoi(r.EndValue)
		return err == nil && runs >= n
	case EndTypeEndDate:
		end, err := time.Parse(time.RFC3339, r.EndValue)
		return err == nil && now.After(end)
	}
	return false
}

// DueAt reports whether a new occurrence is due at the given time, based
// on when the communication was last processed and how many runs completed.
func (r *Recurrence) DueAt(now time.Time, lastProcessed *time.Time, runs int) bool {
	if r.Ended(now, runs) {
		return false
	}
	gap := r.Period()
	if r.Frequency == FrequencyWeekly {
		if !r.onWeekday(now) {
			return false
		}
		// One run per configured weekday at most; the weekday filter above
		// keeps runs on the configured days.
		gap = 24 * time.Hour
	}
	if lastProcessed == nil {
		return true
	}
	return now.Sub(*lastProcessed) >= gap
}

func (r *Recurrence) onWeekday(now time.Time) bool {
	for _, day := range r.Days {
		if int(now.Weekday()) == day {
			return true
		}
	}
	return false
}
