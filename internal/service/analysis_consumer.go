package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/leafline/greenledger/internal/domain"
)

// AnalysisConsumer feeds the analyses stream into the ingestor. Ingest is
// idempotent, so starting from the head of the stream after a restart only
// costs re-reads.
type AnalysisConsumer struct {
	bus      domain.SignalBus
	ingestor *AnalysisIngestor
	batch    int
	poll     time.Duration
	lastID   string
	logger   *slog.Logger
}

// NewAnalysisConsumer creates a consumer reading up to batch messages per
// poll. startID is the stream id to read after ("0" for the beginning).
func NewAnalysisConsumer(bus domain.SignalBus, ingestor *AnalysisIngestor, batch int, poll time.Duration, startID string, logger *slog.Logger) *AnalysisConsumer {
	if batch <= 0 {
		batch = 100
	}
	if poll <= 0 {
		poll = time.Second
	}
	if startID == "" {
		startID = "0"
	}
	return &AnalysisConsumer{
		bus:      bus,
		ingestor: ingestor,
		batch:    batch,
		poll:     poll,
		lastID:   startID,
		logger:   logger.With(slog.String("component", "analysis_consumer")),
	}
}

// Run polls until ctx is cancelled.
func (c *AnalysisConsumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "analysis consumer started", slog.String("from", c.lastID))

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		n, err := c.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "poll failed", slog.String("error", err.Error()))
		}
		if n == c.batch {
			continue
		}

		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "analysis consumer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll reads and ingests one batch. It returns the number of messages
// consumed. The cursor stops at the first message that fails for a reason
// other than bad input, so that message is retried on the next poll.
func (c *AnalysisConsumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.bus.StreamRead(ctx, domain.StreamAnalyses, c.lastID, c.batch)
	if err != nil {
		return 0, err
	}

	for i, m := range msgs {
		var in AnalysisInput
		if err := json.Unmarshal(m.Payload, &in); err != nil {
			c.logger.WarnContext(ctx, "skipping undecodable analysis",
				slog.String("stream_id", m.ID),
				slog.String("error", err.Error()),
			)
			c.lastID = m.ID
			continue
		}

		a, err := in.Analysis()
		if err == nil {
			_, err = c.ingestor.Ingest(ctx, a)
		}
		if err != nil {
			if errors.Is(err, domain.ErrInvalidAnalysis) {
				c.logger.WarnContext(ctx, "skipping invalid analysis",
					slog.String("stream_id", m.ID),
					slog.String("analysis_id", in.ID),
					slog.String("error", err.Error()),
				)
				c.lastID = m.ID
				continue
			}
			return i, err
		}
		c.lastID = m.ID
	}
	return len(msgs), nil
}
