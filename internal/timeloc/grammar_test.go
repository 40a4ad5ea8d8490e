package timeloc

import (
	"errors"
	"testing"
	"time"
)

func TestParseDateExpression(t *testing.T) {
	// Monday.
	today := NewDate(2025, time.July, 7)

	tests := []struct {
		name string
		expr string
		want Date
	}{
		{"literal", "2025-08-01", NewDate(2025, time.August, 1)},
		{"today", "today", today},
		{"tomorrow", "Tomorrow", today.AddDays(1)},
		{"same weekday preserved", "monday", today},
		{"weekday later this week", "friday", NewDate(2025, time.July, 11)},
		{"weekday wraps week", "Sunday", NewDate(2025, time.July, 13)},
		{"next same weekday", "next monday", NewDate(2025, time.July, 14)},
		{"next weekday at least a week out", "next friday", NewDate(2025, time.July, 18)},
		{"whitespace tolerated", "  tuesday ", NewDate(2025, time.July, 8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDateExpression(tt.expr, today)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseDateExpression(%q) = %s, want %s", tt.expr, got, tt.want)
			}
		})
	}

	rejected := []string{"", "next week", "someday", "07/08/2025", "next", "next fortnight"}
	for _, expr := range rejected {
		if _, err := ParseDateExpression(expr, today); !errors.Is(err, ErrInvalidDate) {
			t.Errorf("ParseDateExpression(%q): expected ErrInvalidDate, got %v", expr, err)
		}
	}
}

func TestParseTimeExpression(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		wantHour int
		wantMin  int
	}{
		{"clock with meridiem", "10:30am", 10, 30},
		{"clock pm", "2:15 PM", 14, 15},
		{"bare hour pm", "2pm", 14, 0},
		{"noon", "12pm", 12, 0},
		{"midnight", "12am", 0, 0},
		{"24 hour clock", "14:00", 14, 0},
		{"military", "0930", 9, 30},
		{"empty defaults", "", 10, 0},
		{"garbage defaults", "sometime soon", 10, 0},
		{"out of range defaults", "25:99", 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, m := ParseTimeExpression(tt.expr)
			if h != tt.wantHour || m != tt.wantMin {
				t.Errorf("ParseTimeExpression(%q) = %d:%02d, want %d:%02d", tt.expr, h, m, tt.wantHour, tt.wantMin)
			}
		})
	}
}
