// Package lobby parses lobby command flags and composes transport entrypoints.
package lobby

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/jamlabs/aircraft/internal/platform/cmd"
	server "github.com/jamlabs/aircraft/internal/services/lobby/app"
)

// Config holds lobby command configuration.
type Config struct {
	HTTPAddr      string `env:"AIRCRAFT_LOBBY_HTTP_ADDR"       envDefault:":8000"`
	GRPCAddr      string `env:"AIRCRAFT_LOBBY_GRPC_ADDR"`
	PlayerLimit   int    `env:"AIRCRAFT_LOBBY_PLAYER_LIMIT"    envDefault:"2"`
	BattleLogPath string `env:"AIRCRAFT_LOBBY_BATTLE_LOG_PATH"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "lobby HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "lobby gRPC health listen address (disabled when empty)")
	fs.IntVar(&cfg.PlayerLimit, "player-limit", cfg.PlayerLimit, "maximum concurrent lobby players")
	fs.StringVar(&cfg.BattleLogPath, "battle-log-path", cfg.BattleLogPath, "battle event log SQLite path (disabled when empty)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the lobby app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLobby, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:      cfg.HTTPAddr,
			GRPCAddr:      cfg.GRPCAddr,
			PlayerLimit:   cfg.PlayerLimit,
			BattleLogPath: cfg.BattleLogPath,
		}); err != nil {
			return fmt.Errorf("serve lobby: %w", err)
		}
		return nil
	})
}
