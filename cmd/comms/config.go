package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kernelcomm/comms/codec"
	"github.com/rs/zerolog"
)

// config holds the serve options read from a TOML file. Flags override the
// file.
type config struct {
	Addr     string `toml:"addr"`
	Codec    string `toml:"codec"`     // "json" (default) or "gob"
	LogLevel string `toml:"log_level"` // zerolog level name, default "info"
}

func loadConfig(path string) (*config, error) {
	cfg := &config{Codec: "json", LogLevel: "info"}
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *config) logger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(output).With().Timestamp().Logger().Level(level), nil
}

func (c *config) codec() (codec.Codec, error) {
	switch c.Codec {
	case "json", "":
		return codec.JSON{}, nil
	case "gob":
		return codec.Gob{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", c.Codec)
}
