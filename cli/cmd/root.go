package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	_ "github.com/trducng/theflow/plugins/http" // registers the HTTP backend for loaded definitions
	"github.com/trducng/theflow/internal/telemetry"
	"github.com/trducng/theflow/plugins/amqp"
	"github.com/trducng/theflow/plugins/postgres"
	"github.com/trducng/theflow/runtime"
	"github.com/trducng/theflow/runtime/store"
)

var (
	cacheDSN string
	cacheDir string
	amqpURL  string
)

var rootCmd = &cobra.Command{
	Use:   "theflow",
	Short: "theflow - run and serve component flows",
	Long: `theflow runs flows of components described by YAML definitions.

Definitions are the files written by runtime.WriteDefinition. Each file in
a directory is one flow, named after the file.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cacheDSN, "cache-dsn", "", "Postgres connection string of the shared context cache (default in-memory)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Directory of a file-backed context cache for processes on one host")
	rootCmd.PersistentFlags().StringVar(&amqpURL, "amqp-url", "", "RabbitMQ URL to announce persisted runs on")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runsCmd)
}

// environment is what every command builds before loading a flow.
type environment struct {
	logger    *slog.Logger
	settings  *runtime.Settings
	cache     store.Cache
	plugins   *runtime.Plugins
	providers *telemetry.Providers
}

func setup(ctx context.Context) (*environment, error) {
	providers, err := telemetry.SetupOTel(ctx, "theflow")
	if err != nil {
		return nil, err
	}
	env := &environment{
		logger:    telemetry.SetupLogger(providers.Logger),
		providers: providers,
		plugins:   runtime.NewPlugins(runtime.DefaultRegistry),
	}

	var cache store.Cache = store.NewMemory()
	switch {
	case cacheDSN != "":
		pg, err := postgres.New(map[string]any{"connection_string": cacheDSN}, env.logger)
		if err != nil {
			return nil, err
		}
		if err := env.plugins.Register("postgres", pg); err != nil {
			return nil, err
		}
		cache = pg
	case cacheDir != "":
		file, err := store.NewFile(cacheDir)
		if err != nil {
			return nil, err
		}
		cache = file
	}

	var notifier *amqp.Notifier
	if amqpURL != "" {
		notifier, err = amqp.New(map[string]any{"url": amqpURL}, env.logger)
		if err != nil {
			return nil, err
		}
		if err := env.plugins.Register("amqp", notifier); err != nil {
			return nil, err
		}
	}

	if err := env.plugins.Initialize(ctx); err != nil {
		return nil, errors.Join(err, env.close(ctx))
	}

	shared, err := store.NewContext(cache)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open context: %w", err), env.close(ctx))
	}
	middleware := runtime.DefaultMiddleware()
	if telemetry.Enabled() {
		trace, err := runtime.Trace(providers.TracerProvider(), providers.MeterProvider())
		if err != nil {
			return nil, errors.Join(err, env.close(ctx))
		}
		middleware = append([]runtime.Middleware{trace}, middleware...)
	}

	env.cache = cache
	env.settings = &runtime.Settings{
		Context:    shared,
		Cache:      store.NewMemory(),
		Middleware: middleware,
		Backend:    runtime.LocalBackend{},
		Logger:     env.logger,
		Registry:   runtime.DefaultRegistry,
	}
	if notifier != nil {
		env.settings.Notifier = notifier
	}
	return env, nil
}

func (e *environment) close(ctx context.Context) error {
	return errors.Join(e.plugins.Shutdown(ctx), e.providers.Shutdown(ctx))
}

// loadFlow builds the named definition found in dir. configs are merged into
// the definition's own configs.
func (e *environment) loadFlow(dir, name string, configs map[string]any) (runtime.Component, error) {
	app, err := runtime.NewApp(dir, runtime.LoadOptions{Unsafe: true, Settings: e.settings})
	if err != nil {
		return nil, err
	}
	def, ok := app.Definitions[name]
	if !ok {
		return nil, fmt.Errorf("flow %s not found in %s (have %v)", name, dir, app.Names())
	}
	if len(configs) > 0 {
		merged := map[string]any{}
		if existing, ok := def["configs"].(map[string]any); ok {
			for k, v := range existing {
				merged[k] = v
			}
		}
		for k, v := range configs {
			merged[k] = v
		}
		def["configs"] = merged
	}
	return app.Build(name)
}
