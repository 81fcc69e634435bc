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

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a five field cron expression or a descriptor such as
// @hourly and returns the distance between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}
	schedule, err := cronParser.Parse(e)
	if err != nil {
		return 0, err
	}
	first := schedule.Next(time.Now())
	return schedule.Next(first).Sub(first), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(?P<day>\d+)D)?(?:T(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration understands the day and time parts of an ISO8601 duration
// (PnDTnHnMnS). Years, months and weeks are ambiguous and rejected.
func ParseISODuration(dur string) (time.Duration, error) {
	match := isoDurationRx.FindStringSubmatch(dur)
	if match == nil || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if name == "" || part == "" {
			continue
		}
		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			unit = time.Hour
		case "minute":
			unit = time.Minute
		case "second":
			unit = time.Second
		}
		whole, frac, err := splitNumber(part)
		if err != nil {
			return 0, err
		}
		ret += time.Duration(whole)*unit + time.Duration(frac*float64(unit))
	}
	return ret, nil
}

func splitNumber(s string) (whole int, frac float64, err error) {
	a, b, ok := strings.Cut(strings.Replace(s, ",", ".", 1), ".")
	if ok {
		if len(b) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, err := strconv.Atoi(b)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(b))
	}
	whole, err = strconv.Atoi(a)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return whole, frac, nil
}
