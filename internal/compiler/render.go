package compiler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// Render inlines bound arguments as SQL literals. The result is meant for
// logging and for administrators previewing generated SQL, never for
// execution.
func Render(stmt Statement) string {
	return placeholderRe.ReplaceAllStringFunc(stmt.SQL, func(m string) string {
		n, err := strconv.Atoi(m[1:])
		if err != nil || n < 1 || n > len(stmt.Args) {
			return m
		}
		return literal(stmt.Args[n-1])
	})
}

func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case time.Time:
		return "'" + x.UTC().Format("2006-01-02 15:04:05") + "'"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case []string:
		items := make([]string, len(x))
		for i, s := range x {
			items[i] = literal(s)
		}
		return "ARRAY[" + strings.Join(items, ", ") + "]"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprintf("'%v'", x)
	}
}
