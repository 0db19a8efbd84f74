// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package fly

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
)

// MessageHandler processes one consumed message. Returning an error stops
// consumption without committing the message.
type MessageHandler func(ctx context.Context, msg ConsumedMessage) error

// Consumer reads a topic as part of a consumer group.
type Consumer interface {
	Consume(ctx context.Context, handler MessageHandler) error
	Close() error
}

type ConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	StartOffset int64

	SASLMechanism sasl.Mechanism
	TLSConfig     *tls.Config

	ConnectionTimeout time.Duration
}

// fetcher is the part of kafka.Reader the consumer uses.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaConsumer struct {
	config ConsumerConfig
	reader fetcher
}

func NewConsumer(config ConsumerConfig) Consumer {
	timeout := config.ConnectionTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := &kafka.Dialer{
		Timeout:       timeout,
		SASLMechanism: config.SASLMechanism,
		TLS:           config.TLSConfig,
	}

	return &kafkaConsumer{
		config: config,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        config.Brokers,
			Topic:          config.Topic,
			GroupID:        config.GroupID,
			MinBytes:       config.MinBytes,
			MaxBytes:       config.MaxBytes,
			MaxWait:        config.MaxWait,
			StartOffset:    config.StartOffset,
			Dialer:         dialer,
			CommitInterval: 0, // Synchronous commits only when explicitly called
		}),
	}
}

// Consume fetches messages one at a time, hands each to handler and
// commits it once the handler returns nil. It returns when ctx is done or
// handler fails.
func (c *kafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	slog.Debug("Starting Kafka consumer loop",
		slog.String("topic", c.config.Topic),
		slog.String("consumerGroup", c.config.GroupID))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := handler(ctx, FromKafkaMessage(msg)); err != nil {
			return fmt.Errorf("handler failed: %w", err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
