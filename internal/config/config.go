// Package config loads comsrv's ambient configuration: Redis connection,
// sqlite catalog path, HTTP API address, logging, and the channel list
// (spec.md §6.4 — id, name, protocol, parameters, polling; points
// themselves are not part of this surface, they are loaded from the
// catalog at driver start). Grounded on the broader pack's viper/cobra
// convention (github.com/spf13/viper, github.com/spf13/cobra already in
// go.mod) rather than the teacher, which is a TinyGo firmware image with
// no general-purpose config loader of its own — its services/config
// package only republishes embedded per-device JSON over the bus.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/model"
)

// RedisConfig is the connection to the RTDB/command-bus backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CatalogConfig is the sqlite-backed product/instance/routing store (C7/C9/C11).
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// HTTPConfig is the operator-facing API surface (§4.9, gorilla/mux).
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig controls logrus output; a channel may override Level to get
// noisier diagnostics for one misbehaving device without raising the
// global verbosity (spec.md §6.4's per-channel "logging" field).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// RulesConfig points at the directory of persisted rule graph definitions
// loaded into the catalog's rules table at startup (§4.8).
type RulesConfig struct {
	DefinitionsDir string `mapstructure:"definitions_dir"`
}

// PollingConfig mirrors model.PollingConfig with mapstructure tags for
// YAML/env decoding.
type PollingConfig struct {
	IntervalMS       int  `mapstructure:"interval_ms"`
	TimeoutMS        int  `mapstructure:"timeout_ms"`
	MaxRetries       int  `mapstructure:"max_retries"`
	EnableBatchRead  bool `mapstructure:"enable_batch_reading"`
	BatchSize        int  `mapstructure:"batch_size"`
	PointReadDelayMS int  `mapstructure:"point_read_delay_ms"`
	MaxBatchGap      int  `mapstructure:"max_batch_gap"`
}

func (p PollingConfig) toModel() model.PollingConfig {
	return model.PollingConfig{
		IntervalMS:       p.IntervalMS,
		TimeoutMS:        p.TimeoutMS,
		MaxRetries:       p.MaxRetries,
		EnableBatchRead:  p.EnableBatchRead,
		BatchSize:        p.BatchSize,
		PointReadDelayMS: p.PointReadDelayMS,
		MaxBatchGap:      p.MaxBatchGap,
	}
}

// TCPParams/SerialParams/CANParams mirror model's transport parameter
// structs; exactly one is populated per channel, matching Protocol.
type TCPParams struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type SerialParams struct {
	Port   string `mapstructure:"port"`
	Baud   int    `mapstructure:"baud"`
	Parity string `mapstructure:"parity"`
	Bits   int    `mapstructure:"bits"`
	Stop   int    `mapstructure:"stop"`
}

type CANParams struct {
	Iface   string   `mapstructure:"iface"`
	Bitrate int      `mapstructure:"bitrate"`
	Filters []uint32 `mapstructure:"filters"`
}

// ChannelConfig is one channel's config-surface entry (spec.md §6.4); it
// excludes points, which are loaded from the catalog at driver start.
type ChannelConfig struct {
	ID       uint16        `mapstructure:"id"`
	Name     string        `mapstructure:"name"`
	Protocol string        `mapstructure:"protocol"`
	Enabled  bool          `mapstructure:"enabled"`
	Polling  PollingConfig `mapstructure:"polling"`
	Logging  LogConfig     `mapstructure:"logging"`

	TCP    *TCPParams    `mapstructure:"tcp"`
	Serial *SerialParams `mapstructure:"serial"`
	CAN    *CANParams    `mapstructure:"can"`
}

// ToChannel validates the protocol/parameter pairing and converts to the
// driver-facing model.Channel (the ConfigError case of spec.md §7: "invalid
// configuration or mapping; fatal to driver start").
func (c ChannelConfig) ToChannel() (model.Channel, error) {
	proto := model.Protocol(c.Protocol)
	ch := model.Channel{
		ID:       c.ID,
		Name:     c.Name,
		Protocol: proto,
		Enabled:  c.Enabled,
		Polling:  c.Polling.toModel(),
		Points:   map[uint32]model.Point{},
	}

	switch proto {
	case model.ProtoModbusTCP:
		if c.TCP == nil {
			return model.Channel{}, errcode.WrapMsg("config.ToChannel", errcode.InvalidConfig,
				fmt.Sprintf("channel %d (%s): modbus_tcp requires tcp parameters", c.ID, c.Name))
		}
		ch.TCP = &model.TCPParams{Host: c.TCP.Host, Port: c.TCP.Port}
	case model.ProtoIEC104:
		if c.TCP == nil {
			return model.Channel{}, errcode.WrapMsg("config.ToChannel", errcode.InvalidConfig,
				fmt.Sprintf("channel %d (%s): iec104 requires tcp parameters", c.ID, c.Name))
		}
		ch.TCP = &model.TCPParams{Host: c.TCP.Host, Port: c.TCP.Port}
	case model.ProtoModbusRTU, model.ProtoIEC101:
		if c.Serial == nil {
			return model.Channel{}, errcode.WrapMsg("config.ToChannel", errcode.InvalidConfig,
				fmt.Sprintf("channel %d (%s): %s requires serial parameters", c.ID, c.Name, c.Protocol))
		}
		ch.Serial = &model.SerialParams{Port: c.Serial.Port, Baud: c.Serial.Baud, Parity: c.Serial.Parity, Bits: c.Serial.Bits, Stop: c.Serial.Stop}
	case model.ProtoCAN:
		if c.CAN == nil {
			return model.Channel{}, errcode.WrapMsg("config.ToChannel", errcode.InvalidConfig,
				fmt.Sprintf("channel %d (%s): can requires can parameters", c.ID, c.Name))
		}
		ch.CAN = &model.CANParams{Iface: c.CAN.Iface, Bitrate: c.CAN.Bitrate, Filters: c.CAN.Filters}
	default:
		return model.Channel{}, errcode.WrapMsg("config.ToChannel", errcode.InvalidConfig,
			fmt.Sprintf("channel %d (%s): unknown protocol %q", c.ID, c.Name, c.Protocol))
	}
	return ch, nil
}

// AppConfig is the full configuration surface consumed by cmd/comsrvd.
type AppConfig struct {
	Redis    RedisConfig     `mapstructure:"redis"`
	Catalog  CatalogConfig   `mapstructure:"catalog"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Log      LogConfig       `mapstructure:"log"`
	Rules    RulesConfig     `mapstructure:"rules"`
	Channels []ChannelConfig `mapstructure:"channels"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("catalog.path", "comsrv.db")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("rules.definitions_dir", "")
}

// Load reads configuration from the defaults above, the file at path (if
// non-empty), and environment variables prefixed COMSRV_ (nested keys
// joined with "_", e.g. COMSRV_REDIS_ADDR), in ascending precedence.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("comsrv")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errcode.Wrap("config.Load", errcode.InvalidConfig, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errcode.Wrap("config.Load", errcode.InvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the uniqueness invariants of spec.md §6.4 ("id (u16,
// unique), name (string, unique)") ahead of driver startup.
func (c *AppConfig) Validate() error {
	ids := make(map[uint16]bool, len(c.Channels))
	names := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ids[ch.ID] {
			return errcode.WrapMsg("config.Validate", errcode.InvalidConfig, fmt.Sprintf("duplicate channel id %d", ch.ID))
		}
		ids[ch.ID] = true
		if names[ch.Name] {
			return errcode.WrapMsg("config.Validate", errcode.InvalidConfig, fmt.Sprintf("duplicate channel name %q", ch.Name))
		}
		names[ch.Name] = true
		if _, err := ch.ToChannel(); err != nil {
			return err
		}
	}
	return nil
}

// Channels decoded as model.Channel values, in config order.
func (c *AppConfig) ModelChannels() ([]model.Channel, error) {
	out := make([]model.Channel, 0, len(c.Channels))
	for _, cc := range c.Channels {
		ch, err := cc.ToChannel()
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}
