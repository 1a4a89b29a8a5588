package tunnel

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/passage-dev/passage/internal/metrics"
	"github.com/passage-dev/passage/internal/protocol"
)

// Descriptor bounds. Metadata is free-form but small; anything larger
// belongs in the user's own systems.
const (
	tunnelIDLength   = 8
	authTokenBytes   = 32
	maxMetadataKeys  = 16
	maxMetadataBytes = 1024
	maxNameLength    = 64
)

const tunnelIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Status reflects the descriptor lifecycle for control-plane output.
type Status string

const (
	// StatusConnecting: created, agent has not attached yet.
	StatusConnecting Status = "connecting"
	// StatusActive: a session is attached.
	StatusActive Status = "active"
	// StatusDisconnected: the session detached; the id remains usable
	// until the idle sweep evicts it.
	StatusDisconnected Status = "disconnected"
)

// CreateSpec is the caller-supplied portion of a new descriptor.
type CreateSpec struct {
	Name      string
	LocalPort int
	Metadata  map[string]string
}

// Descriptor is a point-in-time snapshot of a tunnel.
type Descriptor struct {
	ID         string
	Name       string
	LocalPort  int
	Metadata   map[string]string
	Status     Status
	CreatedAt  time.Time
	LastActive time.Time
	Connected  bool
}

// Created is returned from Create. The token appears here exactly once
// and is not retrievable afterwards.
type Created struct {
	ID        string
	Token     string
	CreatedAt time.Time
}

type entry struct {
	id         string
	token      string
	name       string
	localPort  int
	metadata   map[string]string
	createdAt  time.Time
	lastActive time.Time
	session    *Session
	status     Status
}

func (e *entry) snapshot() Descriptor {
	md := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		md[k] = v
	}
	return Descriptor{
		ID:         e.id,
		Name:       e.name,
		LocalPort:  e.localPort,
		Metadata:   md,
		Status:     e.status,
		CreatedAt:  e.createdAt,
		LastActive: e.lastActive,
		Connected:  e.session != nil,
	}
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	MaxTunnels  int
	IdleTimeout time.Duration
	Clock       Clock
	Logger      *slog.Logger
}

const (
	defaultMaxTunnels  = 100
	defaultIdleTimeout = 120 * time.Second
)

// Registry is the process-wide keyed store of tunnel descriptors. All
// methods are safe for concurrent use; a single exclusive lock guards
// mutation and attach is the sole single-writer gate for session
// installation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	maxTunnels  int
	idleTimeout time.Duration
	clock       Clock
	log         *slog.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		entries:     make(map[string]*entry),
		maxTunnels:  opts.MaxTunnels,
		idleTimeout: opts.IdleTimeout,
		clock:       opts.Clock,
		log:         opts.Logger,
	}
	if r.maxTunnels <= 0 {
		r.maxTunnels = defaultMaxTunnels
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = defaultIdleTimeout
	}
	if r.clock == nil {
		r.clock = SystemClock()
	}
	if r.log == nil {
		r.log = slog.Default().With("component", "registry")
	}
	return r
}

// Create allocates a fresh id and attach token and inserts a
// descriptor with no attached session.
func (r *Registry) Create(spec CreateSpec) (Created, error) {
	if err := validateSpec(spec); err != nil {
		return Created{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= r.maxTunnels {
		return Created{}, ErrCapacity
	}

	id := newTunnelID()
	for _, taken := r.entries[id]; taken; _, taken = r.entries[id] {
		id = newTunnelID()
	}

	now := r.clock.Now()
	md := make(map[string]string, len(spec.Metadata))
	for k, v := range spec.Metadata {
		md[k] = v
	}
	r.entries[id] = &entry{
		id:         id,
		token:      newAuthToken(),
		name:       spec.Name,
		localPort:  spec.LocalPort,
		metadata:   md,
		createdAt:  now,
		lastActive: now,
		status:     StatusConnecting,
	}
	metrics.ActiveTunnels.Set(float64(len(r.entries)))

	r.log.Info("created tunnel", "tunnel", id, "name", spec.Name)
	return Created{ID: id, Token: r.entries[id].token, CreatedAt: now}, nil
}

// Attach atomically validates the token and installs the session.
// There is no silent takeover: a second attach fails with
// ErrAlreadyAttached while the first session lives.
func (r *Registry) Attach(id, token string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrUnknownTunnel
	}
	if e.token != token {
		return ErrBadToken
	}
	if e.session != nil {
		return ErrAlreadyAttached
	}

	e.session = s
	e.status = StatusActive
	e.lastActive = r.clock.Now()

	r.log.Info("attached tunnel", "tunnel", id)
	return nil
}

// Detach removes the session if it is still the attached one. It is
// idempotent and tolerates races with a reconnecting agent.
func (r *Registry) Detach(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.session != s {
		return
	}
	e.session = nil
	e.status = StatusDisconnected
	e.lastActive = r.clock.Now()

	r.log.Info("detached tunnel", "tunnel", id)
}

// Delete removes the descriptor and severs any attached session with
// cause ADMIN_DELETE. A second delete for the same id is a no-op.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		metrics.ActiveTunnels.Set(float64(len(r.entries)))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if e.session != nil {
		e.session.CloseWith(protocol.KindAdminDelete, "tunnel deleted by operator")
	}
	r.log.Info("deleted tunnel", "tunnel", id)
	return true
}

// Lookup is a non-blocking read returning the descriptor snapshot and
// the attached session (nil when not connected).
func (r *Registry) Lookup(id string) (Descriptor, *Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Descriptor{}, nil, false
	}
	return e.snapshot(), e.session, true
}

// List returns a point-in-time copy of all descriptors ordered by
// creation time.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len reports the current descriptor count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Touch advances last-activity. Later timestamps only, so the value is
// monotonically non-decreasing under concurrent sessions.
func (r *Registry) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	if at.After(e.lastActive) {
		e.lastActive = at
	}
}

// Sweep evicts descriptors that have no attached session and have been
// idle past the idle timeout. Attached descriptors are never evicted;
// heartbeats police those.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var evicted []string
	for id, e := range r.entries {
		if e.session == nil && now.Sub(e.lastActive) > r.idleTimeout {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		metrics.ActiveTunnels.Set(float64(len(r.entries)))
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.log.Info("evicted idle tunnel", "tunnel", id)
	}
	return len(evicted)
}

func validateSpec(spec CreateSpec) error {
	if len(spec.Name) > maxNameLength {
		return &ErrInvalidSpec{Field: "name", Message: "too long"}
	}
	if len(spec.Metadata) > maxMetadataKeys {
		return &ErrInvalidSpec{Field: "metadata", Message: "too many keys"}
	}
	size := 0
	for k, v := range spec.Metadata {
		size += len(k) + len(v)
	}
	if size > maxMetadataBytes {
		return &ErrInvalidSpec{Field: "metadata", Message: "too large"}
	}
	return nil
}

func newTunnelID() string {
	buf := make([]byte, tunnelIDLength)
	if _, err := rand.Read(buf); err != nil {
		panic("tunnel: crypto/rand unavailable: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = tunnelIDAlphabet[int(b)%len(tunnelIDAlphabet)]
	}
	return string(buf)
}

func newAuthToken() string {
	buf := make([]byte, authTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("tunnel: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
