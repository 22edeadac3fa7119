package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/metrics"
	"market-watch/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	publishTimeout = 2 * time.Second
	// Progress is published in steps of this size to keep the channel quiet
	progressStep = 0.1
)

// ProgressEvent is the payload of the progress channel.
type ProgressEvent struct {
	Platform models.Platform `json:"platform"`
	Stage    apperrors.Stage `json:"stage"`
	Fraction float64         `json:"fraction"`
}

// Publisher pushes orchestrator events to Redis channels:
//
//	<prefix>:series:<exchange>:<pair>:<interval>
//	<prefix>:state:<exchange>:<pair>
//	<prefix>:progress:<exchange>:<pair>
//	<prefix>:failure
type Publisher struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger

	lastProgress map[string]float64
	mu           sync.Mutex
}

func NewPublisher(client *redis.Client, prefix string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client:       client,
		prefix:       prefix,
		logger:       logger,
		lastProgress: make(map[string]float64),
	}
}

func (p *Publisher) SeriesChannel(platform models.Platform, interval string) string {
	return fmt.Sprintf("%s:series:%s:%s:%s", p.prefix, platform.Exchange, platform.Pair, interval)
}

func (p *Publisher) StateChannel(platform models.Platform) string {
	return fmt.Sprintf("%s:state:%s:%s", p.prefix, platform.Exchange, platform.Pair)
}

func (p *Publisher) ProgressChannel(platform models.Platform) string {
	return fmt.Sprintf("%s:progress:%s:%s", p.prefix, platform.Exchange, platform.Pair)
}

func (p *Publisher) FailureChannel() string {
	return p.prefix + ":failure"
}

// PublishSeries publishes the API form of a series
func (p *Publisher) PublishSeries(ctx context.Context, series models.Series) error {
	return p.publish(ctx, "series", p.SeriesChannel(series.Platform, series.Interval), series.ToResponse())
}

// PublishState publishes a sync state update
func (p *Publisher) PublishState(ctx context.Context, state models.SyncState) error {
	return p.publish(ctx, "state", p.StateChannel(state.Platform), state)
}

// PublishFailure publishes a stage failure
func (p *Publisher) PublishFailure(ctx context.Context, failure models.Failure) error {
	return p.publish(ctx, "failure", p.FailureChannel(), failure)
}

func (p *Publisher) publish(ctx context.Context, kind, channel string, payload interface{}) error {
	start := time.Now()
	defer metrics.TrackLatency(start, metrics.PublishLatency.WithLabelValues(kind))

	data, err := json.Marshal(payload)
	if err != nil {
		metrics.PublishFailures.WithLabelValues(kind).Inc()
		return err
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		metrics.PublishFailures.WithLabelValues(kind).Inc()
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	metrics.PublishSuccess.WithLabelValues(kind).Inc()
	return nil
}

func (p *Publisher) OnState(state models.SyncState) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.PublishState(ctx, state); err != nil {
		p.logger.WithError(err).Debug("Failed to publish state")
	}
}

func (p *Publisher) OnProgress(platform models.Platform, stage apperrors.Stage, fraction float64) {
	key := p.ProgressChannel(platform) + ":" + string(stage)

	p.mu.Lock()
	last, seen := p.lastProgress[key]
	if seen && fraction < 1 && fraction >= last && fraction-last < progressStep {
		p.mu.Unlock()
		return
	}
	p.lastProgress[key] = fraction
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	event := ProgressEvent{Platform: platform, Stage: stage, Fraction: fraction}
	if err := p.publish(ctx, "progress", p.ProgressChannel(platform), event); err != nil {
		p.logger.WithError(err).Debug("Failed to publish progress")
	}
}

func (p *Publisher) OnSeries(series models.Series) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.PublishSeries(ctx, series); err != nil {
		p.logger.WithError(err).Warn("Failed to publish series")
	}
}

func (p *Publisher) OnFailure(failure models.Failure) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.PublishFailure(ctx, failure); err != nil {
		p.logger.WithError(err).Warn("Failed to publish failure")
	}
}
