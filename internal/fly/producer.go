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
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
)

// Producer writes messages to Kafka topics.
type Producer interface {
	Send(ctx context.Context, topic string, message Message) error
	BatchSend(ctx context.Context, topic string, messages []Message) error
	Close() error
}

type ProducerConfig struct {
	Brokers      []string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks kafka.RequiredAcks
	Compression  kafka.Compression

	SASLMechanism sasl.Mechanism
	TLSConfig     *tls.Config
}

// kafkaProducer keeps one writer per topic.
type kafkaProducer struct {
	config    ProducerConfig
	writers   map[string]*kafka.Writer
	writersMu sync.RWMutex
}

func NewProducer(config ProducerConfig) Producer {
	return &kafkaProducer{
		config:  config,
		writers: make(map[string]*kafka.Writer),
	}
}

func (p *kafkaProducer) getWriter(topic string) *kafka.Writer {
	p.writersMu.RLock()
	w, ok := p.writers[topic]
	p.writersMu.RUnlock()
	if ok {
		return w
	}

	p.writersMu.Lock()
	defer p.writersMu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}

	w = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    p.config.BatchSize,
		BatchTimeout: p.config.BatchTimeout,
		RequiredAcks: p.config.RequiredAcks,
		Compression:  p.config.Compression,
		Transport: &kafka.Transport{
			SASL: p.config.SASLMechanism,
			TLS:  p.config.TLSConfig,
		},
	}
	p.writers[topic] = w
	return w
}

func (p *kafkaProducer) Send(ctx context.Context, topic string, message Message) error {
	return p.getWriter(topic).WriteMessages(ctx, message.ToKafkaMessage())
}

func (p *kafkaProducer) BatchSend(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	kmsgs := make([]kafka.Message, len(messages))
	for i := range messages {
		kmsgs[i] = messages[i].ToKafkaMessage()
	}
	return p.getWriter(topic).WriteMessages(ctx, kmsgs...)
}

func (p *kafkaProducer) Close() error {
	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	var firstErr error
	for _, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.writers = make(map[string]*kafka.Writer)
	return firstErr
}
