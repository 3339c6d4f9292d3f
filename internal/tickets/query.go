package tickets

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/fixdesk/internal/model"
)

const dateLayout = "2006-01-02"

// BuildQuery turns filters and a page cursor into list query parameters.
// Unset filters are omitted; limit and offset are always present.
func BuildQuery(f model.Filters, offset, pageSize int) url.Values {
	q := url.Values{}
	if s := strings.TrimSpace(f.Search); s != "" {
		q.Set("search", s)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.DamageType != "" {
		q.Set("type", f.DamageType)
	}
	if !f.DateRange.Start.IsZero() {
		q.Set("startDate", formatDate(f.DateRange.Start))
	}
	if !f.DateRange.End.IsZero() {
		q.Set("endDate", formatDate(f.DateRange.End))
	}
	if f.MineOnly {
		q.Set("createdByMe", "true")
	}
	q.Set("limit", strconv.Itoa(pageSize))
	q.Set("offset", strconv.Itoa(offset))
	return q
}

// formatDate keeps the calendar day the user picked, whatever its zone.
func formatDate(t time.Time) string { return t.Format(dateLayout) }

// ParseDate is the inverse of the date format used in queries.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, time.Local)
}
