// Package cftime decodes CF-convention time coordinates ("days since
// 1850-01-01" and friends) under the non-standard model calendars used by
// climate-model output. Go's time package only knows the proleptic Gregorian
// calendar, so dates here are plain calendar tuples, not time.Time values.
package cftime

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"cmipdiag/internal/types"
)

// Calendar names a CF calendar.
type Calendar string

const (
	Standard           Calendar = "standard"
	ProlepticGregorian Calendar = "proleptic_gregorian"
	NoLeap             Calendar = "noleap"
	AllLeap            Calendar = "all_leap"
	Day360             Calendar = "360_day"
	Julian             Calendar = "julian"
)

// calendarAliases maps every accepted attribute value onto a canonical Calendar.
var calendarAliases = map[string]Calendar{
	"":                    Standard,
	"standard":            Standard,
	"gregorian":           Standard,
	"proleptic_gregorian": ProlepticGregorian,
	"noleap":              NoLeap,
	"no_leap":             NoLeap,
	"365_day":             NoLeap,
	"all_leap":            AllLeap,
	"366_day":             AllLeap,
	"360_day":             Day360,
	"julian":              Julian,
}

// ParseCalendar resolves a CF calendar attribute. An empty attribute means
// the standard calendar.
func ParseCalendar(s string) (Calendar, error) {
	c, ok := calendarAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", types.NewAppError(types.ErrCodeUnsupportedCalendar,
			fmt.Sprintf("unsupported calendar %q", s), nil)
	}
	return c, nil
}

// The standard (mixed Julian/Gregorian) calendar is treated as proleptic
// Gregorian. CMIP6 output never reaches back past the 1582 switch.
func (c Calendar) isLeap(year int) bool {
	switch c {
	case NoLeap, Day360:
		return false
	case AllLeap:
		return true
	case Julian:
		return year%4 == 0
	default:
		return year%4 == 0 && (year%100 != 0 || year%400 == 0)
	}
}

var monthDays = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// DaysInMonth returns the length of the month in this calendar.
func (c Calendar) DaysInMonth(year, month int) int {
	if c == Day360 {
		return 30
	}
	if month == 2 && c.isLeap(year) {
		return 29
	}
	return monthDays[month-1]
}

// DaysInYear returns the length of the year in this calendar.
func (c Calendar) DaysInYear(year int) int {
	switch {
	case c == Day360:
		return 360
	case c.isLeap(year):
		return 366
	default:
		return 365
	}
}

// Date is a calendar date-time in some CF calendar.
type Date struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
	Second int
}

// String formats the date as "YYYY-MM-DD hh:mm:ss".
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second)
}

// Before reports whether d sorts before o. Dates are only comparable within
// one calendar.
func (d Date) Before(o Date) bool {
	a := [6]int{d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second}
	b := [6]int{o.Year, o.Month, o.Day, o.Hour, o.Minute, o.Second}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (d Date) secondOfDay() int64 {
	return int64(d.Hour)*3600 + int64(d.Minute)*60 + int64(d.Second)
}

// dayOfYear returns the 0-based ordinal day of d within its year.
func (c Calendar) dayOfYear(d Date) int {
	n := d.Day - 1
	for m := 1; m < d.Month; m++ {
		n += c.DaysInMonth(d.Year, m)
	}
	return n
}

// addDays shifts a date by a whole number of days, keeping the time of day.
func (c Calendar) addDays(d Date, n int64) Date {
	year := d.Year
	ord := int64(c.dayOfYear(d)) + n
	for ord < 0 {
		year--
		ord += int64(c.DaysInYear(year))
	}
	for ord >= int64(c.DaysInYear(year)) {
		ord -= int64(c.DaysInYear(year))
		year++
	}
	month := 1
	for {
		dim := int64(c.DaysInMonth(year, month))
		if ord < dim {
			break
		}
		ord -= dim
		month++
	}
	return Date{Year: year, Month: month, Day: int(ord) + 1, Hour: d.Hour, Minute: d.Minute, Second: d.Second}
}

// Units is a parsed "<unit> since <reference>" string.
type Units struct {
	// SecondsPerUnit converts one offset step into seconds.
	SecondsPerUnit float64
	Reference      Date
}

var unitSeconds = map[string]float64{
	"day": 86400, "days": 86400, "d": 86400,
	"hour": 3600, "hours": 3600, "hr": 3600, "h": 3600,
	"minute": 60, "minutes": 60, "min": 60,
	"second": 1, "seconds": 1, "sec": 1, "s": 1,
}

// ParseUnits parses a CF time units attribute such as
// "days since 1850-01-01 00:00:00" or "hours since 1900-1-1T00:00:00Z".
func ParseUnits(s string) (Units, error) {
	parts := strings.SplitN(strings.TrimSpace(s), " since ", 2)
	if len(parts) != 2 {
		return Units{}, types.NewAppError(types.ErrCodeUnsupportedEncoding,
			fmt.Sprintf("time units %q are not of the form '<unit> since <date>'", s), nil)
	}
	step, ok := unitSeconds[strings.ToLower(strings.TrimSpace(parts[0]))]
	if !ok {
		return Units{}, types.NewAppError(types.ErrCodeUnsupportedEncoding,
			fmt.Sprintf("unsupported time step %q", parts[0]), nil)
	}
	ref, err := parseReference(parts[1])
	if err != nil {
		return Units{}, err
	}
	return Units{SecondsPerUnit: step, Reference: ref}, nil
}

func parseReference(s string) (Date, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "Z")
	s = strings.TrimSuffix(s, " UTC")
	s = strings.TrimSuffix(s, "+00:00")
	s = strings.Replace(s, "T", " ", 1)

	bad := func() (Date, error) {
		return Date{}, types.NewAppError(types.ErrCodeUnsupportedEncoding,
			fmt.Sprintf("unparseable reference date %q", s), nil)
	}

	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return bad()
	}
	ymd := strings.Split(fields[0], "-")
	if len(ymd) != 3 {
		return bad()
	}
	var d Date
	var err error
	if d.Year, err = strconv.Atoi(ymd[0]); err != nil {
		return bad()
	}
	if d.Month, err = strconv.Atoi(ymd[1]); err != nil || d.Month < 1 || d.Month > 12 {
		return bad()
	}
	if d.Day, err = strconv.Atoi(ymd[2]); err != nil || d.Day < 1 || d.Day > 31 {
		return bad()
	}
	if len(fields) == 2 {
		hms := strings.Split(fields[1], ":")
		vals := make([]float64, 3)
		for i := 0; i < len(hms) && i < 3; i++ {
			if vals[i], err = strconv.ParseFloat(hms[i], 64); err != nil {
				return bad()
			}
		}
		d.Hour, d.Minute, d.Second = int(vals[0]), int(vals[1]), int(math.Round(vals[2]))
	}
	return d, nil
}

// Decode converts one offset into a calendar date. Offsets are rounded to the
// nearest second.
func (u Units) Decode(offset float64, cal Calendar) Date {
	total := int64(math.Round(offset*u.SecondsPerUnit)) + u.Reference.secondOfDay()
	days := total / 86400
	rem := total % 86400
	if rem < 0 {
		rem += 86400
		days--
	}
	base := u.Reference
	base.Hour, base.Minute, base.Second = 0, 0, 0
	d := cal.addDays(base, days)
	d.Hour = int(rem / 3600)
	d.Minute = int(rem % 3600 / 60)
	d.Second = int(rem % 60)
	return d
}

// DecodeAll decodes a whole time coordinate given its units and calendar
// attributes.
func DecodeAll(offsets []float64, units, calendar string) ([]Date, Calendar, error) {
	u, err := ParseUnits(units)
	if err != nil {
		return nil, "", err
	}
	cal, err := ParseCalendar(calendar)
	if err != nil {
		return nil, "", err
	}
	out := make([]Date, len(offsets))
	for i, off := range offsets {
		out[i] = u.Decode(off, cal)
	}
	return out, cal, nil
}
