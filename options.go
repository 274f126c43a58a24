package punchdht

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"

	"punchdht/internal/crypto/identity"
	"punchdht/internal/punch"
	"punchdht/internal/telemetry"
)

// FirewallFunc lets a server veto a connection before hole-punching
// starts, based on who is asking and from where.
type FirewallFunc func(remotePublicKey []byte, addresses []netip.AddrPort) bool

// HolepunchFunc may veto a punch after both sides' firewall classes
// and candidate addresses are known but before probing starts.
type HolepunchFunc func(remoteFirewall, localFirewall uint8, remote, local netip.AddrPort) bool

// Options configures a DHT node.
type Options struct {
	Bind      string
	Bootstrap []string

	// Ephemeral nodes don't advertise their id, so peers never route
	// lookups or stores to them.
	Ephemeral bool

	// Defaults inherited by servers and connections created on this
	// node.
	QuickFirewall     bool
	ShareLocalAddress bool

	// Record cache bounds.
	MaxSize int
	MaxAge  time.Duration

	// Storage is a bolt database path for mutable/immutable records;
	// empty keeps them in memory.
	Storage string

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Clock   clock.Clock
	Debug   bool
}

// ServerOptions configures one listening server.
type ServerOptions struct {
	// KeyPair defaults to a fresh random identity.
	KeyPair *identity.KeyPair

	Firewall  FirewallFunc
	Holepunch HolepunchFunc

	QuickFirewall     bool
	ShareLocalAddress bool

	// RelayThrough permits carrying the stream through the relay when
	// the strategy table says punching is unreachable.
	RelayThrough bool

	// AnnounceRefresh defaults to 25 minutes against the 30 minute
	// record TTL.
	AnnounceRefresh time.Duration

	forceClass *punch.Class
}

// ConnectOptions configures one outbound connection.
type ConnectOptions struct {
	// KeyPair is the client identity; defaults to the node's.
	KeyPair *identity.KeyPair

	Holepunch HolepunchFunc

	QuickFirewall bool

	// DisableFastOpen turns off piggybacking early writes onto stream
	// open.
	DisableFastOpen bool

	forceClass *punch.Class
}
