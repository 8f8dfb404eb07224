package archive

import (
	"strconv"
	"strings"
	"time"
)

// DefaultDateLayout renders flush timestamps the way the archives have
// always been named: sortable and free of characters that upset shells.
const DefaultDateLayout = "2006-01-02_15-04-05"

// Template is a destination path with {group} and {date} placeholders,
// resolved once per flush.
type Template struct {
	format     string
	dateLayout string
}

// NewTemplate builds a path template. An empty dateLayout selects
// DefaultDateLayout.
func NewTemplate(format, dateLayout string) *Template {
	if dateLayout == "" {
		dateLayout = DefaultDateLayout
	}
	return &Template{format: format, dateLayout: dateLayout}
}

// Resolve substitutes the group key and the flush timestamp into the
// template. An ungrouped batch (nil key) renders {group} as the empty
// string.
func (t *Template) Resolve(key any, now time.Time) string {
	r := strings.NewReplacer(
		"{group}", FormatGroup(key),
		"{date}", now.Format(t.dateLayout),
	)
	return r.Replace(t.format)
}

// FormatGroup renders a group-key value for use in a filename.
func FormatGroup(key any) string {
	switch k := key.(type) {
	case nil:
		return ""
	case string:
		return k
	case int64:
		return strconv.FormatInt(k, 10)
	case float64:
		return strconv.FormatFloat(k, 'g', -1, 64)
	default:
		return ""
	}
}
