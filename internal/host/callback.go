package host

// Callback is a handler registered by the control surface. Arguments are
// positional, as the consumer defines them.
type Callback interface {
	Invoke(args ...any)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(args ...any)

// Invoke implements Callback.
func (f CallbackFunc) Invoke(args ...any) { f(args...) }

// Invoke schedules cb on l. A nil callback is a no-op.
func Invoke(l *Loop, cb Callback, args ...any) {
	if cb == nil || l == nil {
		return
	}
	if f, ok := cb.(CallbackFunc); ok && f == nil {
		return
	}
	l.Schedule(func() { cb.Invoke(args...) })
}
