// Package identity implements the identity directory: an in-memory,
// read-mostly key-to-identity, identity-to-tier mapping built from
// configuration at startup and swapped atomically on reload.
package identity

import (
	"regexp"
	"sync/atomic"

	"github.com/sentrygate/ratelimiter/internal/errors"
)

// keyFormat accepts keys of length 10 to 200 drawn from [A-Za-z0-9_-].
var keyFormat = regexp.MustCompile(`^[A-Za-z0-9_-]{10,200}$`)

// Binding is what resolve(key) returns on success.
type Binding struct {
	Identity string
	Tier     string
}

// table is the atomically-swapped pair of maps. Built once per
// load/reload and never mutated after publication, so readers never
// observe a half-constructed map.
type table struct {
	keyToIdentity  map[string]string
	identityToTier map[string]string
}

// Directory is the Identity Directory collaborator. The zero value is
// not usable; construct with New.
type Directory struct {
	current atomic.Pointer[table]
}

// New builds a Directory from a key table and an identity table.
func New(keyToIdentity, identityToTier map[string]string) *Directory {
	d := &Directory{}
	d.publish(keyToIdentity, identityToTier)
	return d
}

// Reload re-materialises both maps and publishes them as one atomic
// swap; in-flight Resolve calls continue to see the table they started
// with.
func (d *Directory) Reload(keyToIdentity, identityToTier map[string]string) {
	d.publish(keyToIdentity, identityToTier)
}

func (d *Directory) publish(keyToIdentity, identityToTier map[string]string) {
	kCopy := make(map[string]string, len(keyToIdentity))
	for k, v := range keyToIdentity {
		kCopy[k] = v
	}
	iCopy := make(map[string]string, len(identityToTier))
	for k, v := range identityToTier {
		iCopy[k] = v
	}
	d.current.Store(&table{keyToIdentity: kCopy, identityToTier: iCopy})
}

// ValidateFormat checks the key's shape, independent of whether the key
// is actually bound to an identity.
func ValidateFormat(key string) error {
	if key == "" {
		return errors.New(errors.EmptyKey, "api key is empty").WithSource(errors.SourceIdentity)
	}
	if !keyFormat.MatchString(key) {
		return errors.New(errors.MalformedKey, "api key has invalid format").WithSource(errors.SourceIdentity)
	}
	return nil
}

// Resolve looks up a key's identity and tier. O(1), lock-free on the
// hot path: it only ever reads the current *table pointer.
func (d *Directory) Resolve(key string) (Binding, error) {
	t := d.current.Load()
	identity, ok := t.keyToIdentity[key]
	if !ok {
		return Binding{}, errors.New(errors.UnknownKey, "api key is not registered").WithSource(errors.SourceIdentity)
	}
	tier := t.identityToTier[identity]
	return Binding{Identity: identity, Tier: tier}, nil
}
