// Package registry implements the in-memory session registry: the
// authoritative store of user records keyed by connection id.
//
// The registry is a pure data component. It performs no I/O and never
// initiates notifications; callers compose its predicates (Exists,
// IsNameTaken, AtCapacity) with its mutations to validate before mutating.
// All methods are safe for concurrent use, but multi-record transitions
// must be serialized by the caller (see the matchmaking package).
package registry

import (
	"strings"
	"sync"

	"github.com/jamlabs/aircraft/internal/platform/errors"
	"github.com/jamlabs/aircraft/internal/services/lobby/domain"
	"github.com/jamlabs/aircraft/internal/services/lobby/username"
)

// Registry stores user records keyed by connection id and enforces the
// capacity ceiling. Records are held and returned by value so callers can
// never mutate registry state except through Insert/Update/Remove.
type Registry struct {
	mu      sync.Mutex
	limit   int
	slugify func(string) string
	users   map[string]domain.User
}

// New creates a registry with the given capacity. slugify derives canonical
// names from display names; nil selects username.Slug.
func New(limit int, slugify func(string) string) *Registry {
	if slugify == nil {
		slugify = username.Slug
	}
	return &Registry{
		limit:   limit,
		slugify: slugify,
		users:   make(map[string]domain.User),
	}
}

// Limit returns the configured capacity ceiling.
func (r *Registry) Limit() int {
	return r.limit
}

// Exists reports whether a record is registered under id.
func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[id]
	return ok
}

// IsNameTaken reports whether any current record holds the given canonical
// name. The comparison is an exact match on the already-canonicalized
// string; empty slugs are never considered taken.
func (r *Registry) IsNameTaken(slug string) bool {
	if slug == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Slug == slug {
			return true
		}
	}
	return false
}

// AtCapacity reports whether the registry has reached its capacity ceiling.
func (r *Registry) AtCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users) >= r.limit
}

// Count returns the number of registered records.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Insert creates a record for id, merging initial onto the defaults
// (StatusPending, no opponent). A display name in initial has its slug
// computed and stored. Returns the stored snapshot.
func (r *Registry) Insert(id string, initial domain.Update) (domain.User, error) {
	if strings.TrimSpace(id) == "" {
		return domain.User{}, errors.New(errors.CodeInvalidArgument, "connection id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[id]; ok {
		return domain.User{}, errors.WithMetadata(errors.CodeDuplicateID, "connection id is already registered", map[string]string{"ID": id})
	}

	user := r.apply(domain.User{ID: id, Status: domain.StatusPending}, initial)
	r.users[id] = user
	return user, nil
}

// Update merges partial onto the record stored under id, last write wins
// per field, recomputing the slug when a new display name is supplied.
// Returns the updated snapshot.
func (r *Registry) Update(id string, partial domain.Update) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return domain.User{}, errors.WithMetadata(errors.CodeNotFound, "connection id is not registered", map[string]string{"ID": id})
	}

	user = r.apply(user, partial)
	r.users[id] = user
	return user, nil
}

// Remove deletes the record stored under id. Removing an absent id is a
// no-op. Remove never cascades to a paired opponent; that reset belongs to
// the matchmaking coordinator.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
}

// Get returns a snapshot of the record stored under id.
func (r *Registry) Get(id string) (domain.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	return user, ok
}

// List returns an unordered snapshot of all current records. Callers must
// not rely on any particular order.
func (r *Registry) List() []domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]domain.User, 0, len(r.users))
	for _, user := range r.users {
		users = append(users, user)
	}
	return users
}

func (r *Registry) apply(user domain.User, partial domain.Update) domain.User {
	if partial.DisplayName != nil {
		user.DisplayName = *partial.DisplayName
		user.Slug = r.slugify(*partial.DisplayName)
	}
	if partial.Status != nil {
		user.Status = *partial.Status
	}
	if partial.OpponentID != nil {
		user.OpponentID = *partial.OpponentID
	}
	if partial.Locale != nil {
		user.Locale = *partial.Locale
	}
	return user
}
