package proxywrap

import "time"

const keepAlivePeriod = 3 * time.Minute

// tcpTuner defines methods typically available on TCP connections to enable
// keepalive and disable Nagle's algorithm.
type tcpTuner interface {
	SetKeepAlive(keepalive bool) error
	SetKeepAlivePeriod(d time.Duration) error
	SetNoDelay(noDelay bool) error
}

// tune enables keepalive on c so idle connections behind a load balancer are
// not reset, and optionally sets TCP_NODELAY. Connections that are not TCP are
// left alone.
func tune(c interface{}, noDelay bool) error {
	t, ok := c.(tcpTuner)
	if !ok {
		return nil
	}
	if err := t.SetKeepAlive(true); err != nil {
		return err
	}
	if err := t.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
		return err
	}
	if noDelay {
		return t.SetNoDelay(true)
	}
	return nil
}
