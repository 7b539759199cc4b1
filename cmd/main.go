package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/andesco/styleproxy/handlers"
	"github.com/andesco/styleproxy/pkg/config"
	"github.com/andesco/styleproxy/pkg/styleproxy"
)

func main() {
	parser := argparse.NewParser("styleproxy", "Proxy a page and inject a stylesheet into its <head> while it streams")

	configPath := parser.String("c", "config", &argparse.Options{
		Required: false,
		Help:     "YAML config file. Environment variables override it",
	})
	port := parser.String("p", "port", &argparse.Options{
		Required: false,
		Help:     "Port to listen on. Default: PORT or 8080",
	})
	queryKey := parser.String("k", "query-key", &argparse.Options{
		Required: false,
		Help:     "Query string key holding the target URL. Default: QUERY_STRING_KEY",
	})
	stylesheet := parser.String("s", "stylesheet", &argparse.Options{
		Required: false,
		Help:     "URL of the stylesheet to inject. Default: STYLESHEET_URL",
	})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *queryKey != "" {
		cfg.QueryStringKey = *queryKey
	}
	if *stylesheet != "" {
		cfg.StylesheetURL = *stylesheet
	}

	logger := newLogger(cfg.LogLevel)
	proxy, err := styleproxy.New(cfg, styleproxy.WithLogger(logger.With().Str("component", "proxy").Logger()))
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot start")
	}

	app := handlers.NewApp(proxy, logger)
	logger.Info().
		Str("port", cfg.Port).
		Str("queryKey", cfg.QueryStringKey).
		Str("stylesheet", cfg.StylesheetURL).
		Msg("listening")
	if err := app.Listen(":" + cfg.Port); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

// newLogger writes human-readable logs to a terminal and JSON otherwise.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
