package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval is a fixed delay between runs. It decodes from Go durations
// ("90s"), "@every" descriptors, "HH:MM[:SS]" clock spans and plain seconds.
type Interval time.Duration

// Duration returns the interval as a time.Duration
func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

func (i Interval) String() string {
	return time.Duration(i).String()
}

// MarshalText implements encoding.TextMarshaler
func (i Interval) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (i *Interval) UnmarshalText(b []byte) error {
	d, err := ParseInterval(string(b))
	if err != nil {
		return err
	}
	*i = Interval(d)
	return nil
}

// UnmarshalJSON accepts both strings and numbers (seconds)
func (i *Interval) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	return i.UnmarshalText([]byte(s))
}

// descriptorParser only understands "@" descriptors
var descriptorParser = cron.NewParser(cron.Descriptor)

// ParseInterval parses an interval specification. Only constant delays are
// accepted; calendar descriptors such as "@daily" are rejected.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("interval is empty")
	}

	var (
		d   time.Duration
		err error
	)
	switch {
	case strings.HasPrefix(s, "@"):
		d, err = parseDescriptor(s)
	case strings.Contains(s, ":"):
		d, err = parseClock(s)
	case isDigits(s):
		var n int64
		n, err = strconv.ParseInt(s, 10, 64)
		if err == nil && n > math.MaxInt64/int64(time.Second) {
			err = errors.New("out of range")
		}
		d = time.Duration(n) * time.Second
	default:
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid interval %q: must be positive", s)
	}
	return d, nil
}

func parseDescriptor(s string) (time.Duration, error) {
	sched, err := descriptorParser.Parse(s)
	if err != nil {
		return 0, err
	}
	every, ok := sched.(cron.ConstantDelaySchedule)
	if !ok {
		return 0, fmt.Errorf("only @every descriptors are supported")
	}
	return every.Delay, nil
}

// parseClock reads "HH:MM" or "HH:MM:SS" as a span of time
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("expected HH:MM or HH:MM:SS")
	}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var total time.Duration
	for idx, p := range parts {
		if !isDigits(p) {
			return 0, fmt.Errorf("invalid component %q", p)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, err
		}
		if (idx > 0 && n > 59) || int64(n) > math.MaxInt64/int64(units[idx])/2 {
			return 0, fmt.Errorf("component %q out of range", p)
		}
		total += time.Duration(n) * units[idx]
	}
	return total, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
