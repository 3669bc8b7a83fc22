package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.Notifier = (*StreamNotifier)(nil)

// StreamNotifierConfig configures a StreamNotifier.
type StreamNotifierConfig struct {
	Client *redis.Client
	// Stream receives one entry per terminal event. Default "permitflow:notifications".
	Stream string
	// MarkerTTL bounds how long a published submission is remembered. Default 30 days.
	MarkerTTL time.Duration
	Logger    *slog.Logger
}

// StreamNotifier appends terminal events to a Redis stream. A per-submission
// marker is set in the same script as the XADD, so a redelivered event is
// dropped instead of appended twice.
type StreamNotifier struct {
	client    *redis.Client
	stream    string
	markerTTL time.Duration
	logger    *slog.Logger
}

// NewStreamNotifier creates a StreamNotifier.
func NewStreamNotifier(cfg StreamNotifierConfig) (*StreamNotifier, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("%w: redis client is required", domain.ErrInvalidInput)
	}
	if cfg.Stream == "" {
		cfg.Stream = "permitflow:notifications"
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = 30 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StreamNotifier{
		client:    cfg.Client,
		stream:    cfg.Stream,
		markerTTL: cfg.MarkerTTL,
		logger:    cfg.Logger,
	}, nil
}

// KEYS[1] marker, KEYS[2] stream. ARGV: submission id, marker ttl (s), status, payload.
// Returns 1 when appended, 0 when the submission was already published.
var publishScript = redis.NewScript(`
if not redis.call("SET", KEYS[1], "1", "NX", "EX", ARGV[2]) then
	return 0
end
redis.call("XADD", KEYS[2], "*", "submission_id", ARGV[1], "status", ARGV[3], "event", ARGV[4])
return 1
`)

func (n *StreamNotifier) markerKey(submissionID string) string {
	return n.stream + ":sent:" + submissionID
}

// Notify publishes ev unless its submission was published before.
func (n *StreamNotifier) Notify(ctx context.Context, ev *domain.TerminalEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode terminal event: %w", err)
	}

	appended, err := publishScript.Run(ctx, n.client,
		[]string{n.markerKey(ev.SubmissionID), n.stream},
		ev.SubmissionID,
		int64(n.markerTTL/time.Second),
		string(ev.Status),
		string(payload),
	).Int()
	if err != nil {
		return fmt.Errorf("publish terminal event %s: %w", ev.SubmissionID, err)
	}
	if appended == 0 {
		n.logger.Debug("terminal event already published", "submission_id", ev.SubmissionID)
	}
	return nil
}

// Ping checks if the Redis backend is healthy.
func (n *StreamNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
