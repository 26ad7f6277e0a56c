// Package tenant holds the registry of tenant stores participating in the
// bridge. The registry is built once at startup and passed to every
// component; it owns one pooled connection per configured tenant.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/ehr/bridge/internal/config"
	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/metrics"
	"github.com/ehr/bridge/internal/platform/store"
)

// State is the connection state of a tenant handle.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Handle is a configured tenant. ID and Name never change; the connection
// state does.
type Handle struct {
	ID   string
	Name string
	uri  string

	mu    sync.RWMutex
	state State
	err   error
	store store.TenantStore
}

func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the last connection error, if any.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Store returns the tenant store when the handle is connected.
func (h *Handle) Store() (store.TenantStore, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state != StateConnected || h.store == nil {
		e := apperr.New(apperr.KindConnection, "tenant.store", "tenant %q is %s", h.ID, h.state).
			WithDetail("tenant_id", h.ID)
		e.Err = h.err
		return nil, e
	}
	return h.store, nil
}

func (h *Handle) set(state State, st store.TenantStore, err error) {
	h.mu.Lock()
	h.state = state
	h.store = st
	h.err = err
	h.mu.Unlock()

	up := 0.0
	if state == StateConnected {
		up = 1
	}
	metrics.TenantUp.WithLabelValues(h.ID).Set(up)
}

func (h *Handle) setState(state State, err error) {
	h.mu.Lock()
	h.state = state
	h.err = err
	h.mu.Unlock()

	up := 0.0
	if state == StateConnected {
		up = 1
	}
	metrics.TenantUp.WithLabelValues(h.ID).Set(up)
}

// HealthStatus is the health report entry for one tenant.
type HealthStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	State     State  `json:"state"`
	Error     string `json:"error,omitempty"`
}

// Options tune connection and health check behaviour.
type Options struct {
	ConnectTimeout time.Duration
	HealthTimeout   time.Duration
}

// Registry maps tenant ids to handles.
type Registry struct {
	mu          sync.RWMutex
	handles     map[string]*Handle
	order       []string
	defs        []config.TenantDefinition
	open        store.Opener
	logger      zerolog.Logger
	opts        Options
	initialized bool
	closed      bool
}

func NewRegistry(defs []config.TenantDefinition, open store.Opener, logger zerolog.Logger, opts Options) *Registry {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	return &Registry{
		handles: make(map[string]*Handle),
		defs:    defs,
		open:    open,
		logger:  logger.With().Str("component", "tenant_registry").Logger(),
		opts:    opts,
	}
}

// Initialize opens one store per tenant definition, concurrently and each
// under its own timeout. A tenant that fails to connect is kept in state
// error and reported by HealthCheck; it never blocks the others.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return fmt.Errorf("tenant registry already initialized")
	}
	r.initialized = true

	handles := make([]*Handle, 0, len(r.defs))
	for _, def := range r.defs {
		if _, dup := r.handles[def.ID]; dup {
			r.logger.Warn().Str("tenant_id", def.ID).Msg("duplicate tenant definition ignored")
			continue
		}
		h := &Handle{ID: def.ID, Name: def.Name, uri: def.StoreURI, state: StateConnecting}
		r.handles[def.ID] = h
		r.order = append(r.order, def.ID)
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var wg conc.WaitGroup
	for _, h := range handles {
		wg.Go(func() { r.connect(ctx, h) })
	}
	wg.Wait()

	connected := 0
	for _, h := range handles {
		if h.State() == StateConnected {
			connected++
		}
	}
	r.logger.Info().Int("tenants", len(handles)).Int("connected", connected).Msg("tenant registry initialized")
	return nil
}

func (r *Registry) connect(ctx context.Context, h *Handle) {
	h.setState(StateConnecting, nil)

	cctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	st, err := r.open(cctx, h.ID, h.uri)
	if err != nil {
		h.set(StateError, nil, err)
		r.logger.Error().Err(err).Str("tenant_id", h.ID).Str("tenant_name", h.Name).Msg("tenant connection failed")
		return
	}
	h.set(StateConnected, st, nil)
	r.logger.Info().Str("tenant_id", h.ID).Str("tenant_name", h.Name).Msg("tenant connected")
}

// Reconnect retries the connection of a tenant that is not connected.
func (r *Registry) Reconnect(ctx context.Context, tenantID string) error {
	h, err := r.Handle(tenantID)
	if err != nil {
		return err
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return apperr.New(apperr.KindConnection, "tenant.reconnect", "tenant registry is shut down")
	}
	if h.State() == StateConnected {
		return nil
	}

	h.mu.Lock()
	old := h.store
	h.store = nil
	h.mu.Unlock()
	if old != nil {
		_ = old.Close(ctx)
	}

	r.connect(ctx, h)
	if _, err := h.Store(); err != nil {
		return err
	}
	return nil
}

// Handle returns the tenant handle or a TenantNotFound error.
func (r *Registry) Handle(tenantID string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[tenantID]
	if !ok {
		return nil, apperr.TenantNotFound("tenant.handle", tenantID)
	}
	return h, nil
}

// Store resolves a tenant's store: TenantNotFound for unknown ids,
// ConnectionError when the tenant is not connected.
func (r *Registry) Store(tenantID string) (store.TenantStore, error) {
	h, err := r.Handle(tenantID)
	if err != nil {
		return nil, err
	}
	return h.Store()
}

func (r *Registry) Exists(tenantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[tenantID]
	return ok
}

// IDs returns the tenant ids in configuration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Handles returns every handle in configuration order.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handles[id])
	}
	return out
}

// Name returns the display name of a tenant, or its id when unknown.
func (r *Registry) Name(tenantID string) string {
	if h, err := r.Handle(tenantID); err == nil {
		return h.Name
	}
	return tenantID
}

// HealthCheck pings every connected tenant concurrently and reports the
// resulting state of every known tenant.
func (r *Registry) HealthCheck(ctx context.Context) map[string]HealthStatus {
	handles := r.Handles()

	var wg conc.WaitGroup
	for _, h := range handles {
		h.mu.RLock()
		st, state := h.store, h.state
		h.mu.RUnlock()
		if st == nil || (state != StateConnected && state != StateDisconnected) {
			continue
		}

		wg.Go(func() {
			pctx, cancel := context.WithTimeout(ctx, r.opts.HealthTimeout)
			defer cancel()
			if err := st.Ping(pctx); err != nil {
				if h.State() == StateConnected {
					r.logger.Warn().Err(err).Str("tenant_id", h.ID).Msg("tenant health check failed")
				}
				h.setState(StateDisconnected, err)
				return
			}
			h.setState(StateConnected, nil)
		})
	}
	wg.Wait()

	report := make(map[string]HealthStatus, len(handles))
	for _, h := range handles {
		status := HealthStatus{Name: h.Name, State: h.State()}
		status.Connected = status.State == StateConnected
		if err := h.Err(); err != nil {
			status.Error = err.Error()
		}
		report[h.ID] = status
	}
	return report
}

// Shutdown closes every open store. It is idempotent.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := make([]*Handle, 0, len(r.order))
	for _, id := range r.order {
		handles = append(handles, r.handles[id])
	}
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		h.mu.Lock()
		st := h.store
		h.store = nil
		h.mu.Unlock()

		if st != nil {
			if err := st.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close tenant %s: %w", h.ID, err))
			}
		}
		h.setState(StateDisconnected, nil)
	}
	if len(errs) > 0 {
		r.logger.Error().Err(errors.Join(errs...)).Msg("tenant registry shutdown finished with errors")
		return errors.Join(errs...)
	}
	r.logger.Info().Int("tenants", len(handles)).Msg("tenant registry shut down")
	return nil
}

// StaticOpener hands out pre-built stores by tenant id. Unknown ids fail to
// connect.
func StaticOpener(stores map[string]store.TenantStore) store.Opener {
	return func(_ context.Context, tenantID, _ string) (store.TenantStore, error) {
		st, ok := stores[tenantID]
		if !ok {
			return nil, fmt.Errorf("no store prepared for tenant %s", tenantID)
		}
		return st, nil
	}
}
