// Package events streams committed chat messages to Kafka.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cwrk-planet/support-chat/internal/domain"
	"github.com/cwrk-planet/support-chat/pkg/protocol"

	"github.com/segmentio/kafka-go"
)

const (
	defaultBuffer = 10000
	writeTimeout  = 10 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	Buffer  int
}

// KafkaPublisher queues messages and writes them from one background worker.
// Publish never blocks: when the queue is full the message is dropped and logged.
type KafkaPublisher struct {
	ch     chan domain.Message
	w      messageWriter
	logger *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewKafkaPublisher(cfg Config, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
	return newPublisher(w, cfg.Buffer, logger)
}

func newPublisher(w messageWriter, buffer int, logger *slog.Logger) *KafkaPublisher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{
		ch:     make(chan domain.Message, buffer),
		w:      w,
		logger: logger.With(slog.String("component", "kafka")),
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

func (p *KafkaPublisher) Publish(m domain.Message) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- m:
	default:
		p.logger.Warn("publish buffer full, message dropped", "message_id", m.ID, "conversation_id", m.ConversationID)
	}
}

func (p *KafkaPublisher) worker() {
	defer p.wg.Done()

	for m := range p.ch {
		rec, err := encode(m)
		if err != nil {
			p.logger.Error("encode message", "message_id", m.ID, "err", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = p.w.WriteMessages(ctx, rec)
		cancel()
		if err != nil {
			p.logger.Error("kafka write failed", "message_id", m.ID, "err", err)
		}
	}
}

// Close flushes queued messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.ch)
		p.mu.Unlock()

		p.wg.Wait()
		err = p.w.Close()
	})
	return err
}

func encode(m domain.Message) (kafka.Message, error) {
	value, err := json.Marshal(protocol.Message{
		ID:             m.ID,
		ConversationID: protocol.ConversationID(m.ConversationID),
		SenderID:       m.SenderID,
		Content:        m.Content,
		ImageURL:       m.ImageURL,
		IsAdminReply:   m.IsAdminReply,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(m.ConversationID, 10)),
		Value: value,
		Time:  m.CreatedAt,
	}, nil
}
