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
	"net"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Factory creates Kafka producers and consumers with consistent configuration
type Factory struct {
	config *Config
}

func NewFactory(cfg *Config) *Factory {
	return &Factory{config: cfg}
}

func (f *Factory) GetConfig() *Config {
	return f.config
}

func (f *Factory) compression() (kafka.Compression, error) {
	switch strings.ToLower(f.config.ProducerCompression) {
	case "", "none", "uncompressed":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unsupported compression: %s", f.config.ProducerCompression)
	}
}

func (f *Factory) tlsConfig() *tls.Config {
	if !f.config.TLSEnabled {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: f.config.TLSSkipVerify,
	}
}

func (f *Factory) saslMechanism() (sasl.Mechanism, error) {
	if !f.config.SASLEnabled {
		return nil, nil
	}
	switch f.config.SASLMechanism {
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, f.config.SASLUsername, f.config.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, f.config.SASLUsername, f.config.SASLPassword)
	case "PLAIN":
		return plain.Mechanism{
			Username: f.config.SASLUsername,
			Password: f.config.SASLPassword,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", f.config.SASLMechanism)
	}
}

// CreateProducer returns a producer that waits for all in-sync replicas,
// so a submitted job is durable before the request is acknowledged.
func (f *Factory) CreateProducer() (Producer, error) {
	compression, err := f.compression()
	if err != nil {
		return nil, err
	}
	mechanism, err := f.saslMechanism()
	if err != nil {
		return nil, fmt.Errorf("failed to create SASL mechanism: %w", err)
	}

	return NewProducer(ProducerConfig{
		Brokers:       f.config.Brokers,
		BatchSize:     f.config.ProducerBatchSize,
		BatchTimeout:  f.config.ProducerBatchTimeout,
		RequiredAcks:  kafka.RequireAll,
		Compression:   compression,
		SASLMechanism: mechanism,
		TLSConfig:     f.tlsConfig(),
	}), nil
}

// CreateConsumer returns a consumer for topic in the group named after service.
func (f *Factory) CreateConsumer(topic, service string) (Consumer, error) {
	mechanism, err := f.saslMechanism()
	if err != nil {
		return nil, fmt.Errorf("failed to create SASL mechanism: %w", err)
	}

	return NewConsumer(ConsumerConfig{
		Brokers:           f.config.Brokers,
		Topic:             topic,
		GroupID:           f.config.GetConsumerGroup(service),
		MinBytes:          f.config.ConsumerMinBytes,
		MaxBytes:          f.config.ConsumerMaxBytes,
		MaxWait:           f.config.ConsumerMaxWait,
		StartOffset:       kafka.FirstOffset,
		SASLMechanism:     mechanism,
		TLSConfig:         f.tlsConfig(),
		ConnectionTimeout: f.config.ConnectionTimeout,
	}), nil
}

// CreateDialer creates an authenticated Kafka dialer for administrative operations
func (f *Factory) CreateDialer() (*kafka.Dialer, error) {
	mechanism, err := f.saslMechanism()
	if err != nil {
		return nil, fmt.Errorf("failed to create SASL mechanism: %w", err)
	}
	return &kafka.Dialer{
		Timeout:       f.config.ConnectionTimeout,
		SASLMechanism: mechanism,
		TLS:           f.tlsConfig(),
	}, nil
}

// EnsureTopics creates the manual and batch topics on the cluster
// controller. Topics that already exist are left alone.
func (f *Factory) EnsureTopics(ctx context.Context) error {
	if len(f.config.Brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	dialer, err := f.CreateDialer()
	if err != nil {
		return err
	}

	conn, err := dialer.DialContext(ctx, "tcp", f.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find controller: %w", err)
	}
	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	cconn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer func() { _ = cconn.Close() }()

	if err := cconn.CreateTopics(f.TopicConfigs()...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	return nil
}

// TopicConfigs describes the topics EnsureTopics creates.
func (f *Factory) TopicConfigs() []kafka.TopicConfig {
	partitions := max(f.config.TopicPartitions, 1)
	replication := max(f.config.ReplicationFactor, 1)
	return []kafka.TopicConfig{
		{Topic: f.config.ManualTopic, NumPartitions: partitions, ReplicationFactor: replication},
		{Topic: f.config.BatchTopic, NumPartitions: partitions, ReplicationFactor: replication},
	}
}
