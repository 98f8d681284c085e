// Package key defines the two cache namespaces and the shape of the ids
// stored in them.
package key

import (
	"fmt"
)

// Namespace selects one of the independent key spaces of the cache.
type Namespace int

const (
	// ActionCache maps the hash of an action to its serialized result.
	ActionCache Namespace = iota
	// ContentAddressableStore maps the hash of a blob to the blob itself.
	ContentAddressableStore
)

// Namespaces lists all the namespaces served, in a stable order.
var Namespaces = []Namespace{ActionCache, ContentAddressableStore}

// String returns the name of the namespace as used in URLs and on disk.
func (n Namespace) String() string {
	switch n {
	case ActionCache:
		return "ac"
	case ContentAddressableStore:
		return "cas"
	}
	return fmt.Sprintf("namespace(%d)", int(n))
}

// ParseNamespace is the inverse of Namespace.String.
func ParseNamespace(name string) (Namespace, error) {
	for _, ns := range Namespaces {
		if ns.String() == name {
			return ns, nil
		}
	}
	return 0, fmt.Errorf("unknown cache namespace %q", name)
}

// IDLength is the length of a valid id: a hex encoded sha256.
const IDLength = 64

// Valid returns true if id is a 64 characters lowercase hex string.
//
// Only valid ids are ever handed to the cache, which relies on this
// to use ids directly as file names.
func Valid(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Key identifies a blob in the cache.
type Key struct {
	Namespace Namespace
	ID        string
}

func (k Key) String() string {
	return k.Namespace.String() + "/" + k.ID
}
