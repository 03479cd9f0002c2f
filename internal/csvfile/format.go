// Package csvfile builds the list CSV: rows are formatted into lines, appended to one
// partial file per worker, and merged into a single file under one header.
package csvfile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/experian_v2/internal/model"
)

// ErrIO marks temp-file and merged-file read/write failures. They abort the run.
var ErrIO = errors.New("csv file i/o")

const timeLayout = "2006-01-02 15:04:05"

// FormatRow joins the row's values with commas in schema order. The line terminator is
// left to the caller. Values are not quoted or escaped: a value containing a comma or a
// newline shifts the row boundaries seen by the remote side.
func FormatRow(row model.Row) string {
	var b strings.Builder
	for i, v := range row {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(formatValue(v))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(timeLayout)
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.Format(timeLayout)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
