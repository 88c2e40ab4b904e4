package runtime

import (
	"log/slog"
	"sync"

	"github.com/trducng/theflow/runtime/store"
	"github.com/trducng/theflow/runtime/tracker"
)

// Settings are the collaborators a component is built with.
type Settings struct {
	// Context is shared by every node of a run. A network-backed cache is
	// required when nodes execute on other machines.
	Context *store.Context
	// Cache stores outputs for the Caching middleware.
	Cache store.Cache
	// Middleware wraps every call, first entry outermost.
	Middleware []Middleware
	// Backend decides where calls execute.
	Backend Backend
	// Notifier is told about persisted runs.
	Notifier tracker.Notifier
	Logger   *slog.Logger
	// Registry resolves type names when node values are definitions.
	Registry *Registry
}

// DefaultMiddleware is the standard chain, outermost first.
func DefaultMiddleware() []Middleware {
	return []Middleware{TrackProgress(), SkipComponent(), Caching()}
}

// NewSettings returns in-memory settings with the default middleware.
func NewSettings() *Settings {
	ctx, _ := store.NewContext(store.NewMemory())
	return &Settings{
		Context:    ctx,
		Cache:      store.NewMemory(),
		Middleware: DefaultMiddleware(),
		Backend:    LocalBackend{},
		Logger:     slog.Default(),
		Registry:   DefaultRegistry,
	}
}

var (
	defaultSettingsMu sync.Mutex
	defaultSettings   *Settings
)

// DefaultSettings returns the process-wide settings used by components
// constructed without WithSettings.
func DefaultSettings() *Settings {
	defaultSettingsMu.Lock()
	defer defaultSettingsMu.Unlock()
	if defaultSettings == nil {
		defaultSettings = NewSettings()
	}
	return defaultSettings
}

// SetDefaultSettings replaces the process-wide settings.
func SetDefaultSettings(s *Settings) {
	defaultSettingsMu.Lock()
	defer defaultSettingsMu.Unlock()
	defaultSettings = s.withDefaults()
}

// withDefaults fills unset collaborators.
func (s *Settings) withDefaults() *Settings {
	out := *s
	if out.Context == nil {
		out.Context, _ = store.NewContext(store.NewMemory())
	}
	if out.Cache == nil {
		out.Cache = store.NewMemory()
	}
	if out.Middleware == nil {
		out.Middleware = DefaultMiddleware()
	}
	if out.Backend == nil {
		out.Backend = LocalBackend{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Registry == nil {
		out.Registry = DefaultRegistry
	}
	return &out
}
