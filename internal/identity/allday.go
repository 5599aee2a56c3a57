package identity

import "time"

// Date is a civil date in the business timezone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func dateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}

func (d Date) addDays(n int) Date {
	return dateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

func (d Date) before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func sameClock(a, b time.Time) bool {
	return a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second()
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
}

// isInternalAllDay matches the source store's encoding: 00:00:00 on the first
// day through 23:59 on the last day, in local time.
func isInternalAllDay(start, end time.Time) bool {
	if !isMidnight(start) || end.Hour() != 23 || end.Minute() != 59 {
		return false
	}
	return !dateOf(end).before(dateOf(start))
}

// isExternalAllDay matches the remote encoding: equal clock times whole days
// apart, where the clock is local midnight or UTC midnight seen through the
// local offset (10:00 in a UTC+10 zone). The UTC form is compared in UTC so a
// span crossing a DST change (11:00 to 10:00 in Sydney) still matches.
func isExternalAllDay(start, end time.Time) bool {
	if !end.After(start) {
		return false
	}
	if isMidnight(start) && sameClock(start, end) {
		return dateOf(start).before(dateOf(end))
	}
	su, eu := start.UTC(), end.UTC()
	if isMidnight(su) && sameClock(su, eu) {
		return dateOf(su).before(dateOf(eu))
	}
	return false
}

// IsAllDay reports whether start/end (already in the business timezone)
// describe a whole-day span in either the internal or the external encoding.
func IsAllDay(start, end time.Time) bool {
	return isInternalAllDay(start, end) || isExternalAllDay(start, end)
}

// AllDayDates returns the first and last covered civil dates of an all-day
// span. Both encodings of the same span yield the same pair.
func AllDayDates(start, end time.Time) (Date, Date) {
	switch {
	case isInternalAllDay(start, end):
		return dateOf(start), dateOf(end)
	case isExternalAllDay(start, end):
		if isMidnight(start) && sameClock(start, end) {
			return dateOf(start), dateOf(end).addDays(-1)
		}
		return dateOf(start.UTC()), dateOf(end.UTC()).addDays(-1)
	}
	first, last := dateOf(start), dateOf(end)
	if isMidnight(end) && last != first {
		last = last.addDays(-1)
	}
	if last.before(first) {
		last = first
	}
	return first, last
}

// SpanDays counts the civil days a span touches in the business timezone. An
// all-day event ending at 00:00 the next day counts as a single day.
func SpanDays(start, end time.Time, allDay bool) int {
	first, last := dateOf(start), dateOf(end)
	if allDay {
		first, last = AllDayDates(start, end)
	} else if isMidnight(end) && end.After(start) {
		last = dateOf(end.Add(-time.Second))
	}
	n := 1
	for d := first; d.before(last); d = d.addDays(1) {
		n++
	}
	return n
}
