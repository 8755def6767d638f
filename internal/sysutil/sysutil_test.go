package sysutil

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetLogLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"  DeBuG  ", zerolog.DebugLevel}, // case-insensitive, trimmed
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel}, // unset LOG_LEVEL means info
		{"warn", zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel}, // alias
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"verbose", zerolog.InfoLevel}, // unknown values fall back to info
	}

	for _, tc := range cases {
		SetLogLevel(tc.in)
		if got := zerolog.GlobalLevel(); got != tc.want {
			t.Fatalf("SetLogLevel(%q) -> %v; want %v", tc.in, got, tc.want)
		}
	}
}

func TestIsTruthy(t *testing.T) {
	// The spellings operators actually put in OTEL_ENABLED / SWAGGER_ENABLED.
	trues := []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"}
	falses := []string{"", "0", "false", "no", "off", "n", "  ", "enabled"}

	for _, v := range trues {
		if !IsTruthy(v) {
			t.Fatalf("IsTruthy(%q) = false; want true", v)
		}
	}
	for _, v := range falses {
		if IsTruthy(v) {
			t.Fatalf("IsTruthy(%q) = true; want false", v)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty(); got != "" {
		t.Fatalf("FirstNonEmpty() = %q; want \"\"", got)
	}
	// Whitespace-only values count as empty, the env-var convention.
	if got := FirstNonEmpty(" ", "\t", "\n"); got != "" {
		t.Fatalf("FirstNonEmpty(empties) = %q; want \"\"", got)
	}
	// The config loader leans on this: env value first, built-in default last.
	if got := FirstNonEmpty("", "sqlite.db"); got != "sqlite.db" {
		t.Fatalf("FirstNonEmpty(...) = %q; want %q", got, "sqlite.db")
	}
	// The winning value keeps its original spacing.
	if got := FirstNonEmpty("   ", "  :8080  ", ":9090"); got != "  :8080  " {
		t.Fatalf("FirstNonEmpty(...) = %q; want %q", got, "  :8080  ")
	}
}
