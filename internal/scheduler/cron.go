package scheduler

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	cronlib "github.com/robfig/cron/v3"

	"github.com/SirClappington/cronq/internal/domain"
)

// Standard 5-field cron plus descriptors such as @daily.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseCron parses a minute-resolution cron expression. @every is
// rejected because its firings are not aligned to wall-clock minutes.
func ParseCron(expr string) (cronlib.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || strings.HasPrefix(expr, "@every") {
		return nil, errors.Wrapf(domain.ErrInvalidCron, "%q", expr)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, errors.Wrapf(domain.ErrInvalidCron, "%q: set the timezone separately", expr)
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrInvalidCron, "%q: %v", expr, err)
	}
	return s, nil
}

// LoadTimezone resolves an IANA zone name. Empty means UTC.
func LoadTimezone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrInvalidTimezone, "%q", name)
	}
	return loc, nil
}

// Matches reports whether s fires at the minute starting at m when
// evaluated as wall-clock time in loc.
func Matches(s cronlib.Schedule, loc *time.Location, m time.Time) bool {
	local := m.Truncate(time.Minute).In(loc)
	return s.Next(local.Add(-time.Second)).Equal(local)
}

// sameWallMinute reports whether a and b read the same on a wall clock in loc.
func sameWallMinute(a, b time.Time, loc *time.Location) bool {
	const layout = "2006-01-02 15:04"
	return a.In(loc).Format(layout) == b.In(loc).Format(layout)
}
