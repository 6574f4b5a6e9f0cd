package dataconn

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrDuplicateInterface is returned when an interface is already claimed by
// another connection.
var ErrDuplicateInterface = errors.New("interface already in use by another connection")

// InterfaceRegistry records which connection owns each kernel interface
// name. It is shared by the connections of every transport.
type InterfaceRegistry struct {
	mu     sync.Mutex
	owners map[string]int
}

// NewInterfaceRegistry returns an empty registry.
func NewInterfaceRegistry() *InterfaceRegistry {
	return &InterfaceRegistry{owners: make(map[string]int)}
}

// Claim records id as the owner of name. Claiming a name the caller already
// owns succeeds.
func (r *InterfaceRegistry) Claim(name string, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owners[name]; ok && owner != id {
		return errors.Wrapf(ErrDuplicateInterface, "%s owned by connection %d", name, owner)
	}
	r.owners[name] = id
	return nil
}

// Transfer moves name from one connection to another. It fails when from
// does not own name.
func (r *InterfaceRegistry) Transfer(name string, from, to int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owners[name]; !ok || owner != from {
		return false
	}
	r.owners[name] = to
	return true
}

// Release drops id's claim on name. Releasing a name owned by someone else
// is a no-op.
func (r *InterfaceRegistry) Release(name string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owners[name]; ok && owner == id {
		delete(r.owners, name)
	}
}

// Owner returns the connection id holding name.
func (r *InterfaceRegistry) Owner(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[name]
	return id, ok
}
