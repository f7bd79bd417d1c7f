package session

// Method is a transfer method the service supports.
type Method string

const (
	// MethodPush receives chunks over the server-push socket.
	MethodPush Method = "push"
	// MethodPull fetches the whole encoded payload in one streamed body.
	MethodPull Method = "pull"
)

// fallbackPolicy is the explicit two-state retry decision: primary
// attempted, then at most one fallback on the alternate method, and only
// while nothing has been durably written. Larger expected payloads
// prefer the pull method over the configured default.
type fallbackPolicy struct {
	primary   Method
	alternate Method
	failures  int
}

func newFallbackPolicy(defaultMethod Method, pullThreshold, expectedBytes int64) *fallbackPolicy {
	primary := defaultMethod
	if primary != MethodPush && primary != MethodPull {
		primary = MethodPush
	}

	if pullThreshold > 0 && expectedBytes >= pullThreshold {
		primary = MethodPull
	}

	alternate := MethodPull
	if primary == MethodPull {
		alternate = MethodPush
	}

	return &fallbackPolicy{
		primary:   primary,
		alternate: alternate,
	}
}

// current returns the method the next attempt should use.
func (p *fallbackPolicy) current() Method {
	if p.failures == 0 {
		return p.primary
	}

	return p.alternate
}

// fail records a failed attempt and reports whether another attempt is
// allowed. bytesWritten guards the retry: once any byte reached the
// sink, switching methods would corrupt the output.
func (p *fallbackPolicy) fail(bytesWritten int64) bool {
	p.failures++

	return p.failures == 1 && bytesWritten == 0
}
