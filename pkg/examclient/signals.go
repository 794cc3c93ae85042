package examclient

import "github.com/proctorly/proctorly-backend/internal/model"

// Signal is one detected integrity event.
type Signal struct {
	Type   model.ViolationType
	Detail string
}

// IntegritySignalSource produces the stream of integrity signals the
// controller reports to the server. How signals are detected — page
// visibility, focus/blur, key combinations, window-size heuristics — is
// an implementation detail of the host platform; the controller only
// consumes the stream.
type IntegritySignalSource interface {
	// Signals returns the event channel. The source owns the channel
	// and closes it when it stops producing.
	Signals() <-chan Signal
}

// ChannelSignalSource adapts a plain channel to IntegritySignalSource.
// Hosts that wire platform listeners by hand can push into it directly.
type ChannelSignalSource chan Signal

// Signals implements IntegritySignalSource.
func (c ChannelSignalSource) Signals() <-chan Signal { return c }
