// Package logging configures the shared logrus root logger from
// config.LogConfig and hands out *logrus.Entry values scoped to a
// component/channel, matching the *logrus.Entry parameter already
// threaded through instance.Manager, rules.Graph.Execute and
// ingress.Dispatcher.
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fieldmesh/comsrv/internal/config"
)

// New builds the root logger from cfg, defaulting to info/text on an
// unrecognised level or format rather than failing startup over a typo in
// the logging section.
func New(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// Discard is used by tests that want a logger that satisfies the various
// *logrus.Entry parameters without writing anything.
func Discard() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// Component returns an entry tagged with "component", the convention used
// throughout comsrv's per-subsystem logging (driver, storage, ingress,
// rules, instance, api).
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

// Channel returns an entry additionally tagged with the owning channel's id
// and protocol, applying a channel-level log level override when one is
// configured (spec.md §6.4's per-channel "logging" field) by cloning the
// root logger at that level.
func Channel(log *logrus.Logger, override config.LogConfig, channelID uint16, protocol string) *logrus.Entry {
	base := log
	if override.Level != "" {
		if level, err := logrus.ParseLevel(strings.ToLower(override.Level)); err == nil && level != log.GetLevel() {
			cloned := &logrus.Logger{
				Out:       log.Out,
				Formatter: log.Formatter,
				Hooks:     log.Hooks,
				Level:     level,
			}
			base = cloned
		}
	}
	return base.WithFields(logrus.Fields{
		"component":  "driver",
		"channel_id": channelID,
		"protocol":   protocol,
	})
}
