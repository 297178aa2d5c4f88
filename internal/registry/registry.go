// Package registry tracks connected pool participants by wallet address.
package registry

import (
	"sort"
	"sync"

	"github.com/bardlex/orepool/internal/protocol"
)

// Role distinguishes miners from the single validator
type Role int

const (
	RoleMiner Role = iota
	RoleValidator
)

func (r Role) String() string {
	if r == RoleValidator {
		return "validator"
	}
	return "miner"
}

// Conn is the outbound side of a registered connection. Send must not block.
// Implementations must be comparable; *protocol.Session is the usual one.
type Conn interface {
	Send(msg protocol.Message) error
}

// Entry is a registered connection
type Entry struct {
	Address string
	Role    Role
	Conn    Conn
}

// IsValidator reports whether the entry holds the validator role
func (e Entry) IsValidator() bool {
	return e.Role == RoleValidator
}

// Registry maps addresses to live connections. At most one entry per address
// and at most one validator entry exist at any time.
type Registry struct {
	validatorAddress string

	mu        sync.RWMutex
	entries   map[string]*Entry
	byConn    map[Conn]string
	validator *Entry
}

// New creates a registry; validatorAddress is the only address granted the
// validator role. An empty address means no connection can become validator.
func New(validatorAddress string) *Registry {
	return &Registry{
		validatorAddress: validatorAddress,
		entries:          make(map[string]*Entry),
		byConn:           make(map[Conn]string),
	}
}

// Register binds address to conn, replacing any previous entry for the
// address. If conn was registered under another address, that entry is dropped.
func (r *Registry) Register(address string, conn Conn) Entry {
	role := RoleMiner
	if r.validatorAddress != "" && address == r.validatorAddress {
		role = RoleValidator
	}
	entry := &Entry{Address: address, Role: role, Conn: conn}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[conn]; ok && prev != address {
		r.deleteLocked(prev)
	}
	if old, ok := r.entries[address]; ok && old.Conn != conn {
		delete(r.byConn, old.Conn)
	}

	r.entries[address] = entry
	r.byConn[conn] = address
	if role == RoleValidator {
		r.validator = entry
	}
	return *entry
}

// Remove deletes the entry for address if it still belongs to conn. It
// reports whether an entry was removed.
func (r *Registry) Remove(address string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[address]
	if !ok || entry.Conn != conn {
		return false
	}
	r.deleteLocked(address)
	return true
}

func (r *Registry) deleteLocked(address string) {
	entry, ok := r.entries[address]
	if !ok {
		return
	}
	delete(r.entries, address)
	if r.byConn[entry.Conn] == address {
		delete(r.byConn, entry.Conn)
	}
	if r.validator == entry {
		r.validator = nil
	}
}

// Lookup returns the entry registered for address
func (r *Registry) Lookup(address string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[address]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// FindValidator returns the validator entry, if one is connected
func (r *Registry) FindValidator() (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.validator == nil {
		return Entry{}, false
	}
	return *r.validator, true
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns all entries ordered by address
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
