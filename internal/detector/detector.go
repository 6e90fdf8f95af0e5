// Package detector implements the liveness probes used to decide whether
// the backend is up and serving.
package detector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Detector determines whether the backend is alive. Implementations must be
// safe for concurrent use and must honor ctx cancellation.
type Detector interface {
	// Alive returns true if the backend is detected as running. A false
	// result with a nil error is an ordinary negative probe.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// TCPDetector succeeds when a TCP connection to Addr can be established.
type TCPDetector struct {
	Addr string
}

func (d TCPDetector) Alive(ctx context.Context) (bool, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func (d TCPDetector) Describe() string { return "tcp:" + d.Addr }

// HTTPDetector issues a GET to URL. Any response below 500 counts as alive;
// a hung server surfaces as a context deadline error.
type HTTPDetector struct {
	URL    string
	Client *http.Client
}

func (d HTTPDetector) Alive(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}
	c := d.Client
	if c == nil {
		c = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := c.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return false, err
		}
		return false, nil
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError, nil
}

func (d HTTPDetector) Describe() string { return "http:" + d.URL }

// Any reports alive as soon as one of the detectors does.
type Any []Detector

func (a Any) Alive(ctx context.Context) (bool, error) {
	var errs []error
	for _, d := range a {
		ok, err := d.Alive(ctx)
		if ok {
			return true, nil
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Describe(), err))
		}
	}
	return false, errors.Join(errs...)
}

func (a Any) Describe() string {
	s := "any("
	for i, d := range a {
		if i > 0 {
			s += ","
		}
		s += d.Describe()
	}
	return s + ")"
}
