// Package authgate is the public-facing authentication/ACL boundary a
// Session calls into on CONNECT and on every PUBLISH/SUBSCRIBE. It wraps
// hook.Manager, the teacher's ordered, atomically-swapped hook chain,
// renamed to match this broker's component name while keeping the
// teacher's hook-chain mechanics unchanged.
package authgate

import "github.com/flowmq/core/hook"

// Gate is the authentication/authorization boundary. A Session holds one
// Gate and consults it during the CONNECT handshake and before accepting
// a PUBLISH or SUBSCRIBE, never reaching into hook.Manager directly.
type Gate struct {
	hooks *hook.Manager
}

// New builds an empty Gate. Register hooks with Use before serving
// connections; an empty Gate authenticates and authorizes everything,
// matching hook.Manager's no-hooks-registered behavior.
func New() *Gate {
	return &Gate{hooks: hook.NewManager()}
}

// Use registers a hook on the gate. The built-in hooks of package hook
// (BasicAuthHook, RateLimitHook) and any custom hook.Hook implementation
// can be registered the same way.
func (g *Gate) Use(h hook.Hook) error {
	return g.hooks.Add(h)
}

// Remove unregisters a previously added hook by ID.
func (g *Gate) Remove(id string) error {
	return g.hooks.Remove(id)
}

// Authenticate runs every registered authentication hook against a CONNECT
// packet. It returns false on the first hook that rejects the client.
func (g *Gate) Authenticate(client *hook.Client, connect *hook.ConnectPacket) bool {
	return g.hooks.OnConnectAuthenticate(client, connect)
}

// Authorize runs every registered ACL hook for a topic access. It returns
// false on the first hook that denies access.
func (g *Gate) Authorize(client *hook.Client, topic string, access hook.AccessType) bool {
	return g.hooks.OnACLCheck(client, topic, access)
}

// Manager exposes the underlying hook.Manager for components (Session,
// Dispatcher) that need to fire lifecycle events (OnConnect, OnPublish,
// OnSubscribe, ...) beyond the authentication/ACL boundary.
func (g *Gate) Manager() *hook.Manager {
	return g.hooks
}
