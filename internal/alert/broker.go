package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

type natsConn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSNotifier 把告警 JSON 发布到 NATS subject
type NATSNotifier struct {
	conn    natsConn
	subject string
}

func NewNATSNotifier(url, subject string, timeout time.Duration) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("ransomsentry-agent"),
		nats.Timeout(timeout),
		nats.MaxReconnects(10),
		nats.ReconnectWait(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSNotifier{conn: nc, subject: subject}, nil
}

func (n *NATSNotifier) Name() string { return "nats" }

func (n *NATSNotifier) Send(ctx context.Context, a model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return err
	}
	return n.conn.FlushWithContext(ctx)
}

func (n *NATSNotifier) Close() error { return n.conn.Drain() }

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier 告警写入 Kafka topic，key 为告警级别
type KafkaNotifier struct {
	writer kafkaWriter
}

func NewKafkaNotifier(brokers []string, topic string, timeout time.Duration) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: timeout,
		},
	}
}

func (k *KafkaNotifier) Name() string { return "kafka" }

func (k *KafkaNotifier) Send(ctx context.Context, a model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.Level.String()),
		Value: data,
		Time:  a.Timestamp,
	})
}

func (k *KafkaNotifier) Close() error { return k.writer.Close() }
