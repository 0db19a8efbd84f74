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

// Package fly wraps segmentio/kafka-go with the producer, consumer and
// topic helpers the queued lookup backend needs.
package fly

import "time"

// Config holds the Kafka configuration
type Config struct {
	Brokers []string `mapstructure:"brokers"`

	// SASL/SCRAM authentication
	SASLEnabled   bool   `mapstructure:"sasl_enabled"`
	SASLMechanism string `mapstructure:"sasl_mechanism"` // "SCRAM-SHA-256", "SCRAM-SHA-512" or "PLAIN"
	SASLUsername  string `mapstructure:"sasl_username"`
	SASLPassword  string `mapstructure:"sasl_password"`

	TLSEnabled    bool `mapstructure:"tls_enabled"`
	TLSSkipVerify bool `mapstructure:"tls_skip_verify"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`

	ProducerBatchSize    int           `mapstructure:"producer_batch_size"`
	ProducerBatchTimeout time.Duration `mapstructure:"producer_batch_timeout"`
	ProducerCompression  string        `mapstructure:"producer_compression"`

	ConsumerGroupPrefix string        `mapstructure:"consumer_group_prefix"`
	ConsumerBatchSize   int           `mapstructure:"consumer_batch_size"`
	ConsumerMaxWait     time.Duration `mapstructure:"consumer_max_wait"`
	ConsumerMinBytes    int           `mapstructure:"consumer_min_bytes"`
	ConsumerMaxBytes    int           `mapstructure:"consumer_max_bytes"`

	// Manual lookups and batch chunks travel on separate topics.
	ManualTopic       string `mapstructure:"manual_topic"`
	BatchTopic        string `mapstructure:"batch_topic"`
	TopicPartitions   int    `mapstructure:"topic_partitions"`
	ReplicationFactor int    `mapstructure:"replication_factor"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Brokers: []string{"localhost:9092"},

		SASLMechanism: "SCRAM-SHA-256",

		ConnectionTimeout: 10 * time.Second,

		ProducerBatchSize:    1,
		ProducerBatchTimeout: 10 * time.Millisecond,
		ProducerCompression:  "snappy",

		ConsumerGroupPrefix: "stockrunner",
		ConsumerBatchSize:   1,
		ConsumerMaxWait:     500 * time.Millisecond,
		ConsumerMinBytes:    1,
		ConsumerMaxBytes:    10 * 1024 * 1024, // 10MB

		ManualTopic:       "stockrunner.lookups.manual",
		BatchTopic:        "stockrunner.lookups.batch",
		TopicPartitions:   8,
		ReplicationFactor: 1,
	}
}

// GetConsumerGroup returns the consumer group name for the given service
func (c *Config) GetConsumerGroup(service string) string {
	return c.ConsumerGroupPrefix + "." + service
}
