package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/spf13/pflag"
)

// Config is the client configuration. Environment variables are read
// first; flags override them.
type Config struct {
	SessionID   string `env:"SESSION_ID"`
	JoinLink    string `env:"JOIN_LINK"`
	Identity    string `env:"IDENTITY"`
	DisplayName string `env:"DISPLAY_NAME"`
	Host        bool   `env:"HOST"`

	Create       bool   `env:"CREATE"`
	Template     string `env:"TEMPLATE"`
	Templates    string `env:"TEMPLATES_FILE" envDefault:"templates.yaml"`
	JoinBaseURL  string `env:"JOIN_BASE_URL"  envDefault:"http://localhost:5173"`
	Transport    string `env:"TRANSPORT"      envDefault:"websocket"`
	WebSocketURL string `env:"WS_URL"         envDefault:"ws://localhost:3001/ws"`
	NATSURL      string `env:"NATS_URL"       envDefault:"nats://localhost:4222"`
	StoreURL     string `env:"STORE_URL"      envDefault:"http://localhost:3000"`

	SnapshotDB     string        `env:"SNAPSHOT_DB"      envDefault:"pizzaday.db"`
	SnapshotMaxAge time.Duration `env:"SNAPSHOT_MAX_AGE" envDefault:"1h"`
	ListenAddr     string        `env:"LISTEN_ADDR"      envDefault:"127.0.0.1:8090"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS"  envSeparator:","`
	LogLevel       string        `env:"LOG_LEVEL"        envDefault:"info"`
}

const envPrefix = "PIZZADAY_"

// loadConfig parses PIZZADAY_* variables and then args. It returns
// pflag.ErrHelp when help was requested.
func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	flagSet := pflag.NewFlagSet("pizzaday", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.SessionID, "session", cfg.SessionID, "session id to join")
	flagSet.StringVar(&cfg.JoinLink, "join-link", cfg.JoinLink, "join link scanned from a QR code (…/join/<id>)")
	flagSet.StringVar(&cfg.Identity, "identity", cfg.Identity, "participant identity; a handle is generated when empty")
	flagSet.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name")
	flagSet.BoolVar(&cfg.Host, "host", cfg.Host, "join as host")
	flagSet.BoolVar(&cfg.Create, "create", cfg.Create, "create a room from --template and host it")
	flagSet.StringVar(&cfg.Template, "template", cfg.Template, "room template name")
	flagSet.StringVar(&cfg.Templates, "templates-file", cfg.Templates, "room templates YAML file")
	flagSet.StringVar(&cfg.Transport, "transport", cfg.Transport, "push transport: websocket or nats")
	flagSet.StringVar(&cfg.WebSocketURL, "ws-url", cfg.WebSocketURL, "room WebSocket endpoint")
	flagSet.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL")
	flagSet.StringVar(&cfg.StoreURL, "store-url", cfg.StoreURL, "settings store base URL")
	flagSet.StringVar(&cfg.SnapshotDB, "snapshot-db", cfg.SnapshotDB, "SQLite file for local snapshots")
	flagSet.DurationVar(&cfg.SnapshotMaxAge, "snapshot-max-age", cfg.SnapshotMaxAge, "age after which a snapshot is ignored")
	flagSet.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "UI bridge listen address")
	flagSet.StringSliceVar(&cfg.AllowedOrigins, "allowed-origin", cfg.AllowedOrigins, "allowed UI origin (repeatable)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flagSet.SetOutput(os.Stderr)

	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return cfg, cfg.resolve()
}

// resolve fills derived fields and validates the combination of options.
func (c *Config) resolve() error {
	if c.JoinLink != "" {
		id, err := models.ParseJoinLink(c.JoinLink)
		if err != nil {
			return err
		}
		c.SessionID = id
	}
	if c.Identity == "" {
		c.Identity = models.NewHandle()
	}
	if err := models.ValidateIdentity(c.Identity); err != nil {
		return err
	}

	switch {
	case c.Create && c.SessionID != "":
		return errors.New("--create and --session are mutually exclusive")
	case c.Create && c.Template == "":
		return errors.New("--create needs --template")
	case c.Create:
		c.Host = true
	default:
		if err := models.ValidateSessionID(c.SessionID); err != nil {
			return err
		}
	}

	if c.Transport != "websocket" && c.Transport != "nats" {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}
