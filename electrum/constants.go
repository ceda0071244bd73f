package electrum

import "time"

const (
	// ClientVersion is the client version string advertised in
	// server.version requests.
	ClientVersion = "3.0.6"

	// ProtocolVersion is the protocol version we speak. Peers
	// advertising an older version are dropped from the directory.
	ProtocolVersion = "1.1"
)

const (
	// defaultNumServer is the connection fan-out target. One-server
	// mode drops it to zero so only the default server is dialed.
	defaultNumServer = 10

	// nodesRetryInterval is how long disconnected servers stay
	// excluded from random selection.
	nodesRetryInterval = 60 * time.Second

	// serverRetryInterval is how long to wait before retrying the
	// user's chosen server when auto-connect is off.
	serverRetryInterval = 10 * time.Second

	// requestTimeout downs a peer whose outstanding header or chunk
	// request has gone unanswered this long.
	requestTimeout = 20 * time.Second

	// bootTimeout bounds the server.version exchange when opening a
	// connection.
	bootTimeout = 10 * time.Second

	// pingInterval is how long a connection may sit idle on the send
	// side before a keepalive server.version is issued.
	pingInterval = 60 * time.Second

	// connectionTimeout downs a peer when nothing at all has arrived
	// from it for this long.
	connectionTimeout = pingInterval + 10*time.Second

	// maintenanceInterval is the cadence of the supervisor tick.
	maintenanceInterval = time.Second

	// closeTimeout bounds each per-peer shutdown wait when the engine
	// stops.
	closeTimeout = 5 * time.Second

	// maxRecentServers caps the persisted recent-servers list.
	maxRecentServers = 20

	// laggingThreshold is how many blocks behind the local chain the
	// main server may fall before we switch away from it.
	laggingThreshold = 1

	// chunkThreshold is the tip distance above which catch-up switches
	// from single headers to whole chunks.
	chunkThreshold = 50
)

// Connection status values reported through the status event.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)
