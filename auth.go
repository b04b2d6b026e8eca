package rsdriver

import (
	"fmt"
	"net"
	"sync"

	"github.com/nimbusdb/rsdriver/internal/errs"
	"github.com/nimbusdb/rsdriver/internal/pool"
)

// Credential names one source database's authentication material.
// Secret is opaque to this package — it is handed verbatim to the
// configured Authenticator, which alone knows the mechanism (spec.md
// §1: authentication mechanism internals are an out-of-scope
// collaborator; only the when/where to (re)authenticate is in scope
// here).
type Credential struct {
	Source   string
	Username string
	Secret   any
}

// Authenticator performs the actual authentication handshake over an
// already-connected socket. Applications supply their own mechanism
// (SCRAM, x.509, LDAP, whatever the target server speaks); this
// package never looks inside Secret.
type Authenticator interface {
	Authenticate(conn net.Conn, cred Credential) error
	Logout(conn net.Conn, source string) error
}

// credentialCache is the facade's map of source -> credential (spec.md
// §4.8). It diffs a socket's authSet against the cache on every loan
// through Router.SetAuthSync, authenticating missing sources and
// logging out sources no longer cached.
type credentialCache struct {
	mu   sync.Mutex
	auth Authenticator
	creds map[string]Credential
}

func newCredentialCache(auth Authenticator) *credentialCache {
	return &credentialCache{auth: auth, creds: make(map[string]Credential)}
}

// Add caches cred for later (re)authentication. Adding a different
// username for a source that is already cached fails: spec.md §4.8
// requires the caller log out first.
func (c *credentialCache) Add(cred Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.creds[cred.Source]; ok && existing.Username != cred.Username {
		return errs.New(errs.OperationFailure,
			fmt.Sprintf("another user is already authenticated on %q — log out first", cred.Source))
	}
	c.creds[cred.Source] = cred
	return nil
}

// Remove drops source from the cache. Sockets already authenticated
// against it are logged out the next time they are loaned.
func (c *credentialCache) Remove(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.creds, source)
}

func (c *credentialCache) snapshot() map[string]Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Credential, len(c.creds))
	for k, v := range c.creds {
		out[k] = v
	}
	return out
}

// sync brings sock's authSet in line with the cache: authenticates
// every cached source the socket hasn't seen yet, and logs out every
// source on the socket that is no longer cached (spec.md §4.8). A nil
// Authenticator makes this a no-op — callers that never call
// AddCredential never pay for it.
func (c *credentialCache) sync(sock *pool.PooledSocket) error {
	if c.auth == nil {
		return nil
	}
	want := c.snapshot()
	if len(want) == 0 && len(sock.AuthSet()) == 0 {
		return nil
	}

	have := sock.AuthSet()
	haveSet := make(map[string]struct{}, len(have))
	for _, source := range have {
		haveSet[source] = struct{}{}
	}

	for source, cred := range want {
		if _, ok := haveSet[source]; ok {
			continue
		}
		if err := c.auth.Authenticate(sock.Conn(), cred); err != nil {
			return errs.Wrap(errs.OperationFailure, fmt.Sprintf("authenticating %q", source), err)
		}
		sock.MarkAuthenticated(source)
	}
	for _, source := range have {
		if _, ok := want[source]; ok {
			continue
		}
		if err := c.auth.Logout(sock.Conn(), source); err != nil {
			return errs.Wrap(errs.OperationFailure, fmt.Sprintf("logging out %q", source), err)
		}
		sock.MarkLoggedOut(source)
	}
	return nil
}
