package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cron5 = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a 5 field cron expression or a descriptor such as
// @hourly or @every 5m.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}
	return cron5.Parse(e)
}

// ParseDuration accepts Go durations (1m30s) and ISO-8601 ones (PT1M30S).
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "P") {
		return ParseISODuration(s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>[+-]?\d+)H)?(?:(?P<minute>[+-]?\d+)M)?(?:(?P<second>[+-]?\d+(?:[.,]\d+)?)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var isoUnits = map[string]time.Duration{
	"day":    24 * time.Hour,
	"hour":   time.Hour,
	"minute": time.Minute,
	"second": time.Second,
}

// ParseISODuration parses the day and time part of ISO-8601 durations.
// Months and years are ambiguous and rejected.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" || !isoDurationRx.MatchString(dur) {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)

	// without T, P2M would mean months
	hasT := strings.Contains(dur, "T")
	hasTime := false

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}
		unit := isoUnits[name]
		switch name {
		case "hour":
			hasTime, hasT = true, true
		case "minute":
			if !hasT {
				return 0, ErrISOFormat
			}
			hasTime = true
		case "second":
			hasTime = true
		}

		num, frac, err := splitNumber(part)
		if err != nil {
			return 0, err
		}
		add := time.Duration(num) * unit
		if num >= 0 {
			add += time.Duration(frac * float64(unit))
		} else {
			add -= time.Duration(frac * float64(unit))
		}
		if (add > 0 && ret > math.MaxInt64-add) || (add < 0 && ret < math.MinInt64-add) {
			return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
		}
		ret += add
	}

	// P2DT
	if hasT && !hasTime {
		return 0, ErrISOFormat
	}
	return ret, nil
}

func splitNumber(s string) (num int, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	whole, fraction, ok := strings.Cut(s, ".")
	if ok {
		if len(fraction) > 9 {
			return 0, 0, ErrISOFormat
		}
		var f int
		f, err = strconv.Atoi(fraction)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(fraction))
	}
	num, err = strconv.Atoi(whole)
	if err != nil {
		err = fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, err
}
