package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit                []OnInit
	onShutdown            []OnShutdown
	onAccountCreated      []OnAccountCreated
	onBalanceChanged      []OnBalanceChanged
	onSessionOpened       []OnSessionOpened
	onSessionClosed       []OnSessionClosed
	onActionDebited       []OnActionDebited
	onInsufficientCredits []OnInsufficientCredits
	onPaymentApplied      []OnPaymentApplied
	onPaymentReplayed     []OnPaymentReplayed
	onNotificationSent    []OnNotificationSent
	onNotificationFailed  []OnNotificationFailed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnAccountCreated); ok {
		r.onAccountCreated = append(r.onAccountCreated, v)
	}
	if v, ok := p.(OnBalanceChanged); ok {
		r.onBalanceChanged = append(r.onBalanceChanged, v)
	}
	if v, ok := p.(OnSessionOpened); ok {
		r.onSessionOpened = append(r.onSessionOpened, v)
	}
	if v, ok := p.(OnSessionClosed); ok {
		r.onSessionClosed = append(r.onSessionClosed, v)
	}
	if v, ok := p.(OnActionDebited); ok {
		r.onActionDebited = append(r.onActionDebited, v)
	}
	if v, ok := p.(OnInsufficientCredits); ok {
		r.onInsufficientCredits = append(r.onInsufficientCredits, v)
	}
	if v, ok := p.(OnPaymentApplied); ok {
		r.onPaymentApplied = append(r.onPaymentApplied, v)
	}
	if v, ok := p.(OnPaymentReplayed); ok {
		r.onPaymentReplayed = append(r.onPaymentReplayed, v)
	}
	if v, ok := p.(OnNotificationSent); ok {
		r.onNotificationSent = append(r.onNotificationSent, v)
	}
	if v, ok := p.(OnNotificationFailed); ok {
		r.onNotificationFailed = append(r.onNotificationFailed, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	// Check each interface
	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	// List all interfaces to check
	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnAccountCreated)(nil)).Elem(), "OnAccountCreated")
	checkInterface(reflect.TypeOf((*OnBalanceChanged)(nil)).Elem(), "OnBalanceChanged")
	checkInterface(reflect.TypeOf((*OnSessionOpened)(nil)).Elem(), "OnSessionOpened")
	checkInterface(reflect.TypeOf((*OnSessionClosed)(nil)).Elem(), "OnSessionClosed")
	checkInterface(reflect.TypeOf((*OnActionDebited)(nil)).Elem(), "OnActionDebited")
	checkInterface(reflect.TypeOf((*OnInsufficientCredits)(nil)).Elem(), "OnInsufficientCredits")
	checkInterface(reflect.TypeOf((*OnPaymentApplied)(nil)).Elem(), "OnPaymentApplied")
	checkInterface(reflect.TypeOf((*OnPaymentReplayed)(nil)).Elem(), "OnPaymentReplayed")
	checkInterface(reflect.TypeOf((*OnNotificationSent)(nil)).Elem(), "OnNotificationSent")
	checkInterface(reflect.TypeOf((*OnNotificationFailed)(nil)).Elem(), "OnNotificationFailed")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, b interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, b)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitAccountCreated emits an account created event.
func (r *Registry) EmitAccountCreated(ctx context.Context, accountID string, balance int64) {
	r.mu.RLock()
	plugins := r.onAccountCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnAccountCreated(ctx, accountID, balance)
		}); err != nil {
			r.logger.Warn("plugin OnAccountCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitBalanceChanged emits a balance changed event.
func (r *Registry) EmitBalanceChanged(ctx context.Context, accountID string, balance int64) {
	r.mu.RLock()
	plugins := r.onBalanceChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnBalanceChanged(ctx, accountID, balance)
		}); err != nil {
			r.logger.Warn("plugin OnBalanceChanged failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSessionOpened emits a session opened event.
func (r *Registry) EmitSessionOpened(ctx context.Context, sess interface{}) {
	r.mu.RLock()
	plugins := r.onSessionOpened
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSessionOpened(ctx, sess)
		}); err != nil {
			r.logger.Warn("plugin OnSessionOpened failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSessionClosed emits a session closed event.
func (r *Registry) EmitSessionClosed(ctx context.Context, sess interface{}, reason string) {
	r.mu.RLock()
	plugins := r.onSessionClosed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSessionClosed(ctx, sess, reason)
		}); err != nil {
			r.logger.Warn("plugin OnSessionClosed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitActionDebited emits an action debited event.
func (r *Registry) EmitActionDebited(ctx context.Context, sessionID, accountID, kind string, cost, remaining int64) {
	r.mu.RLock()
	plugins := r.onActionDebited
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnActionDebited(ctx, sessionID, accountID, kind, cost, remaining)
		}); err != nil {
			r.logger.Warn("plugin OnActionDebited failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInsufficientCredits emits an insufficient credits event.
func (r *Registry) EmitInsufficientCredits(ctx context.Context, accountID, kind string, cost, balance int64) {
	r.mu.RLock()
	plugins := r.onInsufficientCredits
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInsufficientCredits(ctx, accountID, kind, cost, balance)
		}); err != nil {
			r.logger.Warn("plugin OnInsufficientCredits failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPaymentApplied emits a payment applied event.
func (r *Registry) EmitPaymentApplied(ctx context.Context, receipt interface{}) {
	r.mu.RLock()
	plugins := r.onPaymentApplied
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPaymentApplied(ctx, receipt)
		}); err != nil {
			r.logger.Warn("plugin OnPaymentApplied failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPaymentReplayed emits a payment replayed event.
func (r *Registry) EmitPaymentReplayed(ctx context.Context, externalRef string) {
	r.mu.RLock()
	plugins := r.onPaymentReplayed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPaymentReplayed(ctx, externalRef)
		}); err != nil {
			r.logger.Warn("plugin OnPaymentReplayed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitNotificationSent emits a notification sent event.
func (r *Registry) EmitNotificationSent(ctx context.Context, n interface{}) {
	r.mu.RLock()
	plugins := r.onNotificationSent
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnNotificationSent(ctx, n)
		}); err != nil {
			r.logger.Warn("plugin OnNotificationSent failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitNotificationFailed emits a notification failed event.
func (r *Registry) EmitNotificationFailed(ctx context.Context, n interface{}, cause error) {
	r.mu.RLock()
	plugins := r.onNotificationFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnNotificationFailed(ctx, n, cause)
		}); err != nil {
			r.logger.Warn("plugin OnNotificationFailed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the brokering pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
