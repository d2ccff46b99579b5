// Package redis fans out document status transitions on a Redis channel and
// keeps the latest transition per document under a short-lived key.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

const (
	defaultChannel = "document-status"
	latestKeyTTL   = 24 * time.Hour
)

type Publisher struct {
	rdb     *goredis.Client
	channel string
}

func New(ctx context.Context, addr, channel string) (*Publisher, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if channel == "" {
		channel = defaultChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Publisher{rdb: rdb, channel: channel}, nil
}

func (p *Publisher) PublishStatus(ctx context.Context, event domain.StatusEvent) error {
	raw, err := encodeEvent(event)
	if err != nil {
		return err
	}
	_, err = p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Publish(ctx, p.channel, raw)
		pipe.Set(ctx, LatestKey(event.DocumentID), raw, latestKeyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}

func LatestKey(documentID string) string {
	return "document:" + documentID + ":status"
}

func encodeEvent(event domain.StatusEvent) ([]byte, error) {
	if event.DocumentID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode status event", fmt.Errorf("empty document id"))
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal status event: %w", err)
	}
	return raw, nil
}
