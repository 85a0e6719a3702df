package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned for expressions that cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule computes the next activation after a given time. A zero return
// means the schedule will never fire again.
type Schedule interface {
	Next(time.Time) time.Time
}

// cronParser accepts standard 5-field expressions plus descriptors such as
// @hourly and @every 90s.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression or descriptor.
func ParseCron(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, expr, err)
	}
	return s, nil
}

// MinInterval returns the shortest gap between the next firings of a cron
// expression after from. Irregular expressions such as "0 9,10 * * *"
// report their tightest gap.
func MinInterval(expr string, from time.Time) (time.Duration, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return 0, err
	}
	var shortest time.Duration
	prev := s.Next(from)
	for i := 0; i < 16 && !prev.IsZero(); i++ {
		next := s.Next(prev)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(prev); shortest == 0 || gap < shortest {
			shortest = gap
		}
		prev = next
	}
	return shortest, nil
}

// once fires a single time at a fixed instant.
type once struct {
	at time.Time
}

func (o once) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

var whenParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseAt parses a one-shot time. RFC 3339 timestamps are taken as is;
// anything else is read as natural language relative to base, e.g.
// "tomorrow 9am" or "in 2 hours".
func ParseAt(text string, base time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", ErrInvalidSchedule)
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	r, err := whenParser.Parse(text, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("%w: %q: no time found", ErrInvalidSchedule, text)
	}
	return r.Time, nil
}
