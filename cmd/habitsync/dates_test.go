package main

import (
	"testing"
	"time"
)

func TestParseDay(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want string
	}{
		{"", "2024-01-15"},
		{"today", "2024-01-15"},
		{"2024-01-10", "2024-01-10"},
		{"yesterday", "2024-01-14"},
		{"tomorrow", "2024-01-16"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDay(tt.in, now)
			if err != nil {
				t.Fatalf("parseDay(%q): %v", tt.in, err)
			}
			if s := got.Format("2006-01-02"); s != tt.want {
				t.Errorf("parseDay(%q) = %s, want %s", tt.in, s, tt.want)
			}
		})
	}
}

func TestParseDay_Unrecognized(t *testing.T) {
	if _, err := parseDay("xyzzy", time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"outbox", "sync", "pull", "push", "daemon", "signal", "status",
		"dashboard", "habit", "schedule", "backup", "remote", "config", "loadtest"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == rootCmd {
			t.Errorf("command %q not registered", name)
		}
	}
}
