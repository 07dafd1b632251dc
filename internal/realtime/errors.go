package realtime

import "fmt"

// ChannelErrorKind classifies persistent-channel failures.
type ChannelErrorKind string

const (
	// KindConnectFailed means the reconnect budget was exhausted; operator
	// intervention is required.
	KindConnectFailed ChannelErrorKind = "connect_failed"
	// KindDisconnected means the transport dropped mid-session.
	KindDisconnected ChannelErrorKind = "disconnected"
	// KindLivenessTimeout means no message or heartbeat arrived within the
	// liveness window; the connection is considered silently dead.
	KindLivenessTimeout ChannelErrorKind = "liveness_timeout"
)

// ChannelError describes one failed channel session or an exhausted
// reconnect loop.
type ChannelError struct {
	Kind ChannelErrorKind
	Err  error
}

func (e *ChannelError) Error() string {
	if e == nil {
		return "channel error"
	}
	if e.Err == nil {
		return fmt.Sprintf("channel error: %s", e.Kind)
	}
	return fmt.Sprintf("channel error: %s: %v", e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
