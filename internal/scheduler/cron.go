package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/pkg/schema"
)

// parser accepts standard 5-field expressions: minute hour dom month dow.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronSpec pins expr to tz using the CRON_TZ prefix understood by the parser.
func cronSpec(expr, tz string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "cron expression is required")
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: set the timezone separately", expr)
	}
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid timezone %q", tz).WithCause(err)
	}
	return "CRON_TZ=" + tz + " " + expr, nil
}

// NextFireTime returns the first fire time of expr in timezone tz strictly
// after from, in UTC. Invalid expressions, unknown zones and expressions that
// never fire are VALIDATION_ERRORs.
func NextFireTime(expr, tz string, from time.Time) (time.Time, error) {
	spec, err := cronSpec(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}
