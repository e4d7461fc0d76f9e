package agent

import (
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiters keeps one pacing limiter per target host.
type hostLimiters struct {
	limiters sync.Map
	rps      float64
	burst    int
}

func newHostLimiters(rps float64, burst int) *hostLimiters {
	return &hostLimiters{rps: rps, burst: burst}
}

func (l *hostLimiters) get(host string) *rate.Limiter {
	if v, ok := l.limiters.Load(host); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	lim := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	actual, loaded := l.limiters.LoadOrStore(host, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}
