package schedule

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors like
// @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid_cron: %w", err)
	}
	return sched, nil
}

// ValidateCron reports whether an expression parses.
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}
