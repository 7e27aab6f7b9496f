package runtime

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/mohammad-safakhou/timegate/config"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.GeneralConfig
		want log.Level
	}{
		{"default", config.GeneralConfig{}, log.InfoLevel},
		{"warn", config.GeneralConfig{LogLevel: "WARN"}, log.WarnLevel},
		{"unknown falls back", config.GeneralConfig{LogLevel: "loud"}, log.InfoLevel},
		{"debug flag wins", config.GeneralConfig{LogLevel: "error", Debug: true}, log.DebugLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := newLogger(&bytes.Buffer{}, "TEST", tc.cfg).GetLevel(); got != tc.want {
				t.Fatalf("level %v want %v", got, tc.want)
			}
		})
	}
}

func TestNewLoggerPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "REPLAY", config.GeneralConfig{LogLevel: "info"})
	l.Debug("hidden")
	l.Info("resolved", "ts", "20070901000000")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, "REPLAY") || !strings.Contains(out, "resolved") || !strings.Contains(out, "20070901000000") {
		t.Fatalf("unexpected log line %q", out)
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, tracer, err := SetupTelemetry(context.Background(), config.TelemetryConfig{ServiceName: "timegate"}, TelemetryOptions{})
	if err != nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	if tracer == nil {
		t.Fatalf("expected a no-op tracer")
	}
	_, span := tracer.Start(context.Background(), "noop")
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
