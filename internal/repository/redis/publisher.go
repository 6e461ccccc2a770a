// Package redis publishes planning cycle reports over Redis pub/sub and
// keeps the latest one under a key for late readers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/config"
	"github.com/limiquantix/consolidation/internal/drs"
)

// ErrCacheMiss indicates no report has been published yet.
var ErrCacheMiss = errors.New("cache miss")

var _ drs.PlanPublisher = (*Publisher)(nil)

// Publisher implements drs.PlanPublisher on a Redis client.
type Publisher struct {
	client    *redis.Client
	channel   string
	latestKey string
	latestTTL time.Duration
	logger    *zap.Logger
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(cfg config.RedisConfig, logger *zap.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()), zap.String("channel", cfg.Channel))

	return &Publisher{
		client:    client,
		channel:   cfg.Channel,
		latestKey: cfg.LatestKey,
		latestTTL: cfg.LatestTTL,
		logger:    logger.With(zap.String("component", "redis-publisher")),
	}, nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Health checks if Redis is reachable.
func (p *Publisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish stores report as the latest plan and announces it on the channel.
func (p *Publisher) Publish(ctx context.Context, report *drs.CycleReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle report: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.latestKey, data, p.latestTTL)
	pipe.Publish(ctx, p.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish cycle report: %w", err)
	}

	p.logger.Debug("Published cycle report",
		zap.String("cycle_id", report.ID),
		zap.Int("recommendations", len(report.Recommendations)),
	)
	return nil
}

// Latest returns the most recently published report.
func (p *Publisher) Latest(ctx context.Context) (*drs.CycleReport, error) {
	val, err := p.client.Get(ctx, p.latestKey).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}
	return decodeReport(val)
}

// Subscribe streams reports published on the channel until ctx is done.
func (p *Publisher) Subscribe(ctx context.Context) <-chan *drs.CycleReport {
	pubsub := p.client.Subscribe(ctx, p.channel)
	reports := make(chan *drs.CycleReport, 16)

	go func() {
		defer close(reports)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				report, err := decodeReport([]byte(msg.Payload))
				if err != nil {
					p.logger.Warn("Failed to decode cycle report", zap.Error(err))
					continue
				}
				select {
				case reports <- report:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return reports
}

func decodeReport(data []byte) (*drs.CycleReport, error) {
	var report drs.CycleReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cycle report: %w", err)
	}
	return &report, nil
}
