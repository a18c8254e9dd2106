// Package alert implements a webhook alerting service with per-(alert
// type, project) throttling. Callers construct one Service explicitly
// and pass it down rather than reaching for a package-level singleton.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultThrottleSeconds is the default per-(alert_type, project_id)
// webhook cooldown.
const DefaultThrottleSeconds = 300

// Type enumerates the alert kinds raised by the pipeline.
type Type string

const (
	TypeRecoveryCompleted   Type = "recovery_completed"
	TypeJobFailed           Type = "job_failed"
	TypeRateLimitExhausted  Type = "rate_limit_exhausted"
	TypeSchemaUpdateApplied Type = "schema_update_applied"
)

// Event is one alert occurrence.
type Event struct {
	Type      Type
	ProjectID uuid.UUID
	Message   string
	Detail    map[string]any
	At        time.Time
}

// Service posts alert events to a configured webhook, throttling repeats
// of the same (type, project) pair within ThrottleSeconds.
type Service struct {
	webhookURL string
	throttle   time.Duration
	http       *http.Client
	log        zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New builds a Service. webhookURL == "" disables delivery but still
// logs events.
func New(webhookURL string, throttle time.Duration, log zerolog.Logger) *Service {
	if throttle <= 0 {
		throttle = DefaultThrottleSeconds * time.Second
	}
	return &Service{
		webhookURL: webhookURL,
		throttle:   throttle,
		http:       &http.Client{Timeout: 10 * time.Second},
		log:        log,
		lastSent:   make(map[string]time.Time),
	}
}

func throttleKey(t Type, projectID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", t, projectID)
}

// Fire sends ev if it is not currently throttled. Throttled events are
// logged at debug level and dropped, matching the reference
// implementation's behavior of silently skipping repeat webhooks.
func (s *Service) Fire(ctx context.Context, ev Event) error {
	key := throttleKey(ev.Type, ev.ProjectID)

	s.mu.Lock()
	last, seen := s.lastSent[key]
	throttled := seen && time.Since(last) < s.throttle
	if !throttled {
		s.lastSent[key] = time.Now()
	}
	s.mu.Unlock()

	if throttled {
		s.log.Debug().Str("alert_type", string(ev.Type)).Str("project_id", ev.ProjectID.String()).Msg("alert throttled")
		return nil
	}

	s.log.Info().Str("alert_type", string(ev.Type)).Str("project_id", ev.ProjectID.String()).Str("message", ev.Message).Msg("alert fired")

	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"type":       ev.Type,
		"project_id": ev.ProjectID,
		"message":    ev.Message,
		"detail":     ev.Detail,
		"at":         ev.At,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Msg("alert webhook delivery failed")
		return err
	}
	defer resp.Body.Close()
	return nil
}

// RecoveryCompleted is a convenience wrapper mirroring the reference
// implementation's typed alert helper methods.
func (s *Service) RecoveryCompleted(ctx context.Context, projectID uuid.UUID, recovered, failed int) error {
	return s.Fire(ctx, Event{
		Type:      TypeRecoveryCompleted,
		ProjectID: projectID,
		Message:   fmt.Sprintf("embedding recovery completed: %d recovered, %d failed", recovered, failed),
		Detail:    map[string]any{"recovered": recovered, "failed": failed},
		At:        time.Now(),
	})
}

// JobFailed reports a terminal job failure.
func (s *Service) JobFailed(ctx context.Context, projectID uuid.UUID, jobID uuid.UUID, reason string) error {
	return s.Fire(ctx, Event{
		Type:      TypeJobFailed,
		ProjectID: projectID,
		Message:   fmt.Sprintf("job %s failed: %s", jobID, reason),
		Detail:    map[string]any{"job_id": jobID, "reason": reason},
		At:        time.Now(),
	})
}

// RateLimitExhausted reports a domain's daily quota being exhausted.
func (s *Service) RateLimitExhausted(ctx context.Context, projectID uuid.UUID, domain string) error {
	return s.Fire(ctx, Event{
		Type:      TypeRateLimitExhausted,
		ProjectID: projectID,
		Message:   fmt.Sprintf("domain %s exhausted its daily rate limit", domain),
		Detail:    map[string]any{"domain": domain},
		At:        time.Now(),
	})
}
