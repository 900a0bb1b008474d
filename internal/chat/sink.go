package chat

// Sink receives captures from a capture channel. Emit is called from the
// channel's own goroutine and must not block for long.
type Sink interface {
	Emit(c *Capture)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(c *Capture)

// Emit calls f(c).
func (f SinkFunc) Emit(c *Capture) { f(c) }
