package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootOptions struct {
	configFile string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "authflow",
		Short: "authflow challenge server",
		Long: `authflow serves multi-step authentication challenges over HTTP.

Mounted adapters:
  - password: login, register and change (email + password)
  - code:     passwordless one-time code
  - link:     passwordless magic link

Storage backends: memory, redis, postgres, dynamo.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().String("storage", "memory", "storage backend (memory, redis, postgres, dynamo)")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = opts.v.BindPFlag("storage.backend", cmd.PersistentFlags().Lookup("storage"))
	_ = opts.v.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newKeygenCmd())
	return cmd
}

func (o *rootOptions) load() (*settings, *slog.Logger, error) {
	s, err := loadSettings(o.v, o.configFile)
	if err != nil {
		return nil, nil, err
	}
	return s, newLogger(s), nil
}

func newLogger(s *settings) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(s.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh signing key and cookie key as environment variables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			cookie := make([]byte, 32)
			if _, err := rand.Read(cookie); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "AUTHFLOW_SIGNING_KEY=%s\n", base64.StdEncoding.EncodeToString(priv))
			fmt.Fprintf(out, "AUTHFLOW_COOKIE_KEY=%s\n", base64.StdEncoding.EncodeToString(cookie))
			return nil
		},
	}
}
