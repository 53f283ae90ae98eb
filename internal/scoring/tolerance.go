// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package scoring

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// relativeTolerance is the maximum relative deviation for numeric fields.
	relativeTolerance = 0.001
	// timestampTolerance is the maximum skew for timestamp fields.
	timestampTolerance = 5 * time.Second
)

// withinTolerance reports whether reported matches canonical under the rule.
// Unparseable values under a typed rule are mismatches, never passes.
func withinTolerance(rule ToleranceRule, reported, canonical any) bool {
	switch rule {
	case ToleranceRelative:
		r, okR := asFloat(reported)
		c, okC := asFloat(canonical)
		if !okR || !okC {
			return false
		}
		if c == 0 {
			return r == 0
		}
		return math.Abs(r-c) <= relativeTolerance*math.Abs(c)

	case ToleranceTimestamp:
		r, okR := asTime(reported)
		c, okC := asTime(canonical)
		if !okR || !okC {
			return false
		}
		skew := r.Sub(c)
		if skew < 0 {
			skew = -skew
		}
		return skew <= timestampTolerance

	case ToleranceText:
		return strings.EqualFold(collapseWhitespace(render(reported)), collapseWhitespace(render(canonical)))

	default: // ToleranceExact
		return render(reported) == render(canonical)
	}
}

// render produces the canonical string form used for exact comparison and
// for the persisted field diffs.
func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.Unix(int64(t), 0), true
	case int64:
		return time.Unix(t, 0), true
	case int:
		return time.Unix(int64(t), 0), true
	default:
		return time.Time{}, false
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
