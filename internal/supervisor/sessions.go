package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loykin/warden/internal/events"
)

const maxSessionsBody = 4 << 20

// pollSessions asks the backend how many sessions it has. Only one poll
// runs at a time.
func (s *Supervisor) pollSessions() {
	if s.proc == nil || s.sessionsBusy || s.spec.SessionsURL == "" {
		return
	}
	s.sessionsBusy = true
	gen, url := s.gen, s.spec.SessionsURL
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Health.Timeout)
	go func() {
		defer cancel()
		n, err := fetchSessionCount(ctx, s.httpc, url)
		select {
		case s.sessCh <- sessionsResult{gen: gen, active: n, err: err}:
		case <-s.done:
		}
	}()
}

func (s *Supervisor) onSessions(r sessionsResult) {
	if r.gen != s.gen {
		return
	}
	s.sessionsBusy = false
	if r.err != nil {
		s.log.Debug("session poll failed", "error", r.err)
		return
	}
	if r.active == s.sessions {
		return
	}
	prev := s.sessions
	s.sessions = r.active
	s.publish()
	s.emit(events.SeverityInfo, events.SessionUpdate{Active: r.active, Previous: prev})
}

func fetchSessionCount(ctx context.Context, c *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("sessions endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSessionsBody))
	if err != nil {
		return 0, err
	}
	return parseSessionCount(body)
}

// parseSessionCount accepts a JSON array of sessions, or an object with an
// "active" count or a "sessions" array.
func parseSessionCount(body []byte) (int, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err == nil {
		return len(list), nil
	}
	var obj struct {
		Active   *int              `json:"active"`
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return 0, fmt.Errorf("decode sessions: %w", err)
	}
	if obj.Active != nil {
		return *obj.Active, nil
	}
	return len(obj.Sessions), nil
}
