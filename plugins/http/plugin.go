// Package http is the client side of the remote backend: nodes using it run
// on a server started with runtime.NewBackendHandler, exchanging the call
// through the shared cache.
package http

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/trducng/theflow/runtime"
)

// PersistType is the name the backend is dumped and restored under.
const PersistType = "theflow.http.Backend"

// Config holds the HTTP backend configuration with declarative tags.
// There is no retry setting: a lost response is reported as an error and the
// node is not sent again.
type Config struct {
	Endpoint string        `yaml:"endpoint" validate:"required,url_format"`
	Timeout  time.Duration `yaml:"timeout" default:"30s" validate:"gte=1s"`
	Debug    bool          `yaml:"debug" default:"false"`
}

// Backend sends calls to a remote server. The Context of the run must be
// backed by a cache the server shares.
type Backend struct {
	Config Config
	client *resty.Client
}

var _ runtime.Backend = (*Backend)(nil)
var _ runtime.Persister = (*Backend)(nil)

func init() {
	if err := runtime.RegisterPersisted(PersistType, func(fields map[string]any) (any, error) {
		return New(fields)
	}); err != nil {
		panic(err)
	}
}

// New validates raw config values and builds the client.
func New(raw map[string]any) (*Backend, error) {
	b := &Backend{}
	if err := runtime.InitializeConfig(&b.Config, raw); err != nil {
		return nil, fmt.Errorf("http backend: %w", err)
	}
	b.client = resty.New().
		SetTimeout(b.Config.Timeout).
		SetRetryCount(0).
		SetDebug(b.Config.Debug)
	return b, nil
}

// Exec leaves the call in the global partition under a fresh id, asks the
// server to run it and reads the result back from the same key.
func (b *Backend) Exec(exec *runtime.Execution, in runtime.Input, _ runtime.Handler) (any, error) {
	ctx := exec.Store()
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	logger := exec.Logger().With("backend", b.Config.Endpoint, "call_id", id)

	if err := ctx.Set(id, runtime.NewRemoteCall(exec, in).ToMap(), ""); err != nil {
		return nil, fmt.Errorf("failed to store remote call: %w", err)
	}
	defer func() {
		if err := ctx.Clear(id, ""); err != nil {
			logger.Warn("Failed to clear remote call", "error", err)
		}
	}()

	resp, err := b.client.R().
		SetContext(exec).
		SetQueryParam("id", id).
		Get(b.Config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("remote call to %s failed: %w", b.Config.Endpoint, err)
	}
	if resp.IsError() {
		logger.Error("Remote call rejected", "status", resp.StatusCode(), "body", resp.String())
		return nil, fmt.Errorf("remote call to %s returned %s", b.Config.Endpoint, resp.Status())
	}

	raw, err := ctx.Get(id, nil, "")
	if err != nil {
		return nil, err
	}
	call, err := runtime.DecodeRemoteCall(raw)
	if err != nil {
		return nil, err
	}
	if call.Error != "" {
		return nil, fmt.Errorf("remote call failed: %s", call.Error)
	}
	if !call.Done {
		return nil, fmt.Errorf("remote call %s finished without a result", id)
	}
	return call.Result, nil
}

func (b *Backend) PersistType() string { return PersistType }

func (b *Backend) Persist() (map[string]any, error) {
	return map[string]any{
		"endpoint": b.Config.Endpoint,
		"timeout":  b.Config.Timeout.String(),
		"debug":    b.Config.Debug,
	}, nil
}
