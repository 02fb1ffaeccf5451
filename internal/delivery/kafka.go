package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// RecordingEvent is the message published for each completed recording.
// Frame timestamps are not included; consumers fetch the metadata object.
type RecordingEvent struct {
	SessionID        string    `json:"session_id"`
	CaptureSessionID string    `json:"capture_session_id,omitempty"`
	TaskID           string    `json:"task_id"`
	Status           string    `json:"status"`
	Bucket           string    `json:"bucket,omitempty"`
	ObjectKey        string    `json:"object_key,omitempty"`
	MetadataKey      string    `json:"metadata_key,omitempty"`
	LocalPath        string    `json:"local_path"`
	SizeBytes        int64     `json:"size_bytes"`
	Frames           int       `json:"frames"`
	Dropped          uint64    `json:"dropped"`
	DurationMS       int64     `json:"duration_ms"`
	FPSMean          float64   `json:"fps_mean"`
	Stable           bool      `json:"stable"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Timestamp        time.Time `json:"timestamp"`
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes a RecordingEvent keyed by session id.
type KafkaSink struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewKafkaSink creates a synchronous producer for topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	slog.Info("delivery: kafka sink ready", "brokers", brokers, "topic", topic)
	return &KafkaSink{writer: w, topic: topic, now: time.Now}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, r *Record) error {
	ev := newRecordingEvent(r, s.now())
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(r.SessionID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte("recording.completed")},
			{Key: "task-id", Value: []byte(r.TaskID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	slog.Debug("delivery: event published", "topic", s.topic, "session_id", r.SessionID)
	return nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func newRecordingEvent(r *Record, now time.Time) RecordingEvent {
	return RecordingEvent{
		SessionID:        r.SessionID,
		CaptureSessionID: r.CaptureSessionID,
		TaskID:           r.TaskID,
		Status:           "completed",
		Bucket:           r.ObjectBucket,
		ObjectKey:        r.ObjectKey,
		MetadataKey:      r.MetadataKey,
		LocalPath:        r.Target,
		SizeBytes:        r.SizeBytes,
		Frames:           r.Frames,
		Dropped:          r.Dropped,
		DurationMS:       r.Duration().Milliseconds(),
		FPSMean:          r.Timing.FPSMean,
		Stable:           r.Timing.IsStable,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
		Timestamp:        now,
	}
}
