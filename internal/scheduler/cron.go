package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowplane/pkg/schema"
)

// cronParser accepts five-field expressions with an optional leading
// seconds field, plus @descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron compiles a cron expression, mapping parse failures to
// CRON_INVALID.
func ParseCron(expr string) (cron.Schedule, error) {
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCronInvalid, "invalid cron expression %q", expr).WithCause(err)
	}
	return spec, nil
}

// LoadTimezone resolves an IANA zone name, mapping failures to
// TZ_INVALID. An empty name means UTC.
func LoadTimezone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTzInvalid, "unknown timezone %q", name).WithCause(err)
	}
	return loc, nil
}

// NextFireTime returns the first fire time strictly after the given
// instant, evaluated in the schedule's zone and returned in UTC.
func NextFireTime(expr, tz string, after time.Time) (time.Time, error) {
	spec, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadTimezone(tz)
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(after.In(loc)).UTC(), nil
}

// Preview lists the next n fire times after the given instant.
func Preview(expr, tz string, after time.Time, n int) ([]time.Time, error) {
	spec, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	loc, err := LoadTimezone(tz)
	if err != nil {
		return nil, err
	}

	out := make([]time.Time, 0, n)
	t := after.In(loc)
	for i := 0; i < n; i++ {
		t = spec.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t.UTC())
	}
	return out, nil
}

// fireTimesThrough enumerates fire times from the schedule's next_run_at
// through the horizon, both inclusive, capped at max entries. Times past
// end_at are cut off. Evaluation happens in the schedule's zone so DST
// transitions shift wall-clock expressions correctly.
func fireTimesThrough(sched *schema.Schedule, spec cron.Schedule, loc *time.Location, horizon time.Time, max int) []time.Time {
	var out []time.Time
	t := sched.NextRunAt
	for !t.IsZero() && !t.After(horizon) {
		if sched.EndAt != nil && t.After(*sched.EndAt) {
			break
		}
		out = append(out, t.UTC())
		if max > 0 && len(out) >= max {
			break
		}
		t = spec.Next(t.In(loc))
	}
	return out
}
