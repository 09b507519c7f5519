package executor

// InitError wraps a runtime failure observed before the first message
// (bad credentials, network unreachable). Per §7 it is never retried.
type InitError struct{ Err error }

func (e *InitError) Error() string { return "init: " + e.Err.Error() }
func (e *InitError) Unwrap() error { return e.Err }

// StreamError wraps a runtime failure observed mid-stream. The §4.6 single
// retry applies only when session.IsSessionExpiredError also holds for it.
type StreamError struct{ Err error }

func (e *StreamError) Error() string { return "stream: " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

// MalformedUpstreamMessageError wraps an unparseable upstream message. The
// message processor itself tolerates these by emitting a system event and
// continuing (§4.4); this type is only reached when the runtime's own
// framing (not the processor) fails to decode a line.
type MalformedUpstreamMessageError struct{ Err error }

func (e *MalformedUpstreamMessageError) Error() string { return "malformed upstream message: " + e.Err.Error() }
func (e *MalformedUpstreamMessageError) Unwrap() error { return e.Err }

// UnknownError wraps any runtime failure that did not arrive tagged as a
// *runtime.Error — defensive classification for a collaborator that doesn't
// follow the phase-tagging contract.
type UnknownError struct{ Err error }

func (e *UnknownError) Error() string { return "unknown: " + e.Err.Error() }
func (e *UnknownError) Unwrap() error { return e.Err }
