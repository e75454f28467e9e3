package channel

import (
	"fmt"
	"math"
	"strings"

	"github.com/lalithlochan/nicotrack/internal/db"
)

const footerText = "Nicotine Tracker"

var categoryColors = map[db.Category]int{
	db.CategoryGoalReminder:  0x3b82f6,
	db.CategoryDailyReminder: 0x10b981,
	db.CategoryWeeklyReport:  0x8b5cf6,
	db.CategoryAchievement:   0xf59e0b,
}

// CategoryColor is the accent used for category in emails and embeds.
func CategoryColor(c db.Category) int {
	if color, ok := categoryColors[c]; ok {
		return color
	}
	return 0x6b7280
}

// FormatValue renders an extra value for display. Whole floats drop their
// decimals since JSONB round-trips every number as float64.
func FormatValue(v any) string {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) {
			return fmt.Sprintf("%.0f", n)
		}
		return fmt.Sprintf("%.1f", n)
	case float32:
		return FormatValue(float64(n))
	default:
		return fmt.Sprint(v)
	}
}

// TitleWords turns snake_case into Title Case.
func TitleWords(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

type field struct {
	Name  string
	Value string
}

// statusFields lists progress, streak and goal type when present.
func statusFields(extra map[string]any) []field {
	var out []field
	if v, ok := extra["progress"]; ok {
		out = append(out, field{"Progress", FormatValue(v) + "%"})
	}
	if v, ok := extra["streak"]; ok {
		out = append(out, field{"Current Streak", FormatValue(v) + " days"})
	}
	if v, ok := extra["goal_type"].(string); ok && v != "" {
		out = append(out, field{"Goal Type", TitleWords(v)})
	}
	return out
}
