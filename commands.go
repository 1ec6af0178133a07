package streamnet

import "errors"

// Standard error messages
const (
	// Connection errors
	ErrMsgNotConnected         = "connection is not alive"
	ErrMsgTimeout              = "timed out waiting for a packet"
	ErrMsgServerClosed         = "server closed"
	ErrMsgServerAlreadyRunning = "server already running"
	ErrMsgFailedToEncode       = "failed to encode packet"
)

var (
	ErrNotConnected         = errors.New(ErrMsgNotConnected)
	ErrTimeout              = errors.New(ErrMsgTimeout)
	ErrServerClosed         = errors.New(ErrMsgServerClosed)
	ErrServerAlreadyRunning = errors.New(ErrMsgServerAlreadyRunning)
)

// Disconnect reasons sent to the peer or reported to listeners.
const (
	ReasonClosed           = "connection closed"
	ReasonPeerClosed       = "closed by peer"
	ReasonKeepAliveTimeout = "keepalive timeout"
	ReasonHandshakeTimeout = "handshake timeout"
	ReasonRateLimited      = "rate limit exceeded"
	ReasonServerShutdown   = "server shutting down"
)
