package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupLogger(t *testing.T) {
	defer setupLogger("", "info")

	tests := []struct {
		name      string
		format    string
		level     string
		wantLevel log.Level
		wantJSON  bool
	}{
		{name: "defaults", wantLevel: log.InfoLevel},
		{name: "json debug", format: "JSON", level: "debug", wantLevel: log.DebugLevel, wantJSON: true},
		{name: "invalid level", format: "text", level: "loud", wantLevel: log.InfoLevel},
		{name: "warn", level: " warn ", wantLevel: log.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupLogger(tt.format, tt.level)

			if got := log.GetLevel(); got != tt.wantLevel {
				t.Fatalf("expected level %s, got %s", tt.wantLevel, got)
			}
			_, isJSON := log.StandardLogger().Formatter.(*log.JSONFormatter)
			if isJSON != tt.wantJSON {
				t.Fatalf("expected json formatter=%v", tt.wantJSON)
			}
		})
	}
}
