package logging

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/fieldmesh/comsrv/internal/config"
)

func TestNewDefaultsToInfoText(t *testing.T) {
	log := New(config.LogConfig{})
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %v", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", log.Formatter)
	}
}

func TestNewJSONFormat(t *testing.T) {
	log := New(config.LogConfig{Level: "debug", Format: "json"})
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", log.Formatter)
	}
}

func TestChannelOverridesLevel(t *testing.T) {
	log := New(config.LogConfig{Level: "info"})
	entry := Channel(log, config.LogConfig{Level: "debug"}, 7, "modbus_tcp")
	if entry.Logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected channel override to raise level to debug, got %v", entry.Logger.GetLevel())
	}
	if entry.Data["channel_id"] != uint16(7) {
		t.Fatalf("expected channel_id field, got %+v", entry.Data)
	}
}
