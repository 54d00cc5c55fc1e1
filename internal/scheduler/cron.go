package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// ValidateCronExpression validates a redo expression. Standard five-field
// expressions and descriptors such as "@every 10m" or "@daily" are accepted.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from).UTC(), nil
}
