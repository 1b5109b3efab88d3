package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/rapidflat/pkg/tabular"
)

// JSContext is the subset of JetStream the NATS sink uses.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
}

// WrapJetStream adapts a nats.JetStreamContext to JSContext.
func WrapJetStream(js nats.JetStreamContext) JSContext {
	return &jsAdapter{js: js}
}

type jsAdapter struct {
	js nats.JetStreamContext
}

func (a *jsAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *jsAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *jsAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	// Stream is created on first use when missing, bound to Subject.>.
	Stream  string
	Subject string

	PublishMaxRetries int
	RetryWait         time.Duration
}

// RowMessage is published once per row on <subject>.<dataset>.
type RowMessage struct {
	Dataset string      `json:"dataset"`
	Batch   string      `json:"batch"`
	Part    string      `json:"part"`
	Index   int         `json:"index"`
	Row     tabular.Row `json:"row"`
}

// CommitMessage is published on <subject>.<dataset>.commit when a dataset is committed.
type CommitMessage struct {
	Dataset string   `json:"dataset"`
	Batch   string   `json:"batch"`
	Replace bool     `json:"replace"`
	Parts   []string `json:"parts"`
	Rows    int      `json:"rows"`
}

type natsDataset struct {
	batch   string
	replace bool
	parts   map[string]int
}

// NATS publishes rows to JetStream. Every message carries a Nats-Msg-Id built
// from dataset, batch, part and row index, so a re-written part inside the
// stream's duplicate window is not delivered twice.
type NATS struct {
	js     JSContext
	cfg    NATSConfig
	logger *zap.Logger

	mu       sync.Mutex
	ensured  bool
	datasets map[string]*natsDataset
}

// NewNATS creates a NATS sink.
func NewNATS(js JSContext, cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if cfg.Stream == "" {
		cfg.Stream = "RAPIDFLAT"
	}
	if cfg.Subject == "" {
		cfg.Subject = "rapidflat"
	}
	if cfg.PublishMaxRetries <= 0 {
		cfg.PublishMaxRetries = 3
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{
		js:       js,
		cfg:      cfg,
		logger:   logger,
		datasets: make(map[string]*natsDataset),
	}, nil
}

func (s *NATS) ensureStream() error {
	if s.ensured {
		return nil
	}

	_, err := s.js.StreamInfo(s.cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		s.logger.Info("Creating JetStream stream", zap.String("stream", s.cfg.Stream))
		_, err = s.js.AddStream(&nats.StreamConfig{
			Name:       s.cfg.Stream,
			Subjects:   []string{s.cfg.Subject + ".>"},
			Storage:    nats.FileStorage,
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to ensure stream '%s': %w", s.cfg.Stream, err)
	}
	s.ensured = true
	return nil
}

func (s *NATS) Begin(_ context.Context, dataset string, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStream(); err != nil {
		return err
	}
	s.datasets[dataset] = &natsDataset{
		batch:   uuid.NewString(),
		replace: replace,
		parts:   make(map[string]int),
	}
	return nil
}

func (s *NATS) Write(ctx context.Context, dataset, part string, rows []tabular.Row) error {
	s.mu.Lock()
	ds, ok := s.datasets[dataset]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("dataset %q not begun", dataset)
	}

	subject := s.cfg.Subject + "." + dataset
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("publish cancelled: %w", err)
		}
		data, err := json.Marshal(RowMessage{Dataset: dataset, Batch: ds.batch, Part: part, Index: i, Row: row})
		if err != nil {
			return fmt.Errorf("failed to marshal row %d of part %s: %w", i, part, err)
		}
		msgID := fmt.Sprintf("%s/%s/%s/%d", dataset, ds.batch, part, i)
		if err := s.publish(ctx, subject, data, msgID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	ds.parts[part] = len(rows)
	s.mu.Unlock()

	s.logger.Debug("Published part",
		zap.String("dataset", dataset),
		zap.String("part", part),
		zap.Int("rows", len(rows)))
	return nil
}

func (s *NATS) publish(ctx context.Context, subject string, data []byte, msgID string) error {
	var err error
	for attempt := 1; attempt <= s.cfg.PublishMaxRetries; attempt++ {
		if _, err = s.js.Publish(subject, data, nats.MsgId(msgID)); err == nil {
			return nil
		}
		if attempt < s.cfg.PublishMaxRetries {
			s.logger.Warn("Failed to publish, retrying",
				zap.String("subject", subject),
				zap.String("msg_id", msgID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled: %w", ctx.Err())
			case <-time.After(time.Duration(attempt) * s.cfg.RetryWait):
			}
		}
	}
	return fmt.Errorf("failed to publish %s after %d attempts: %w", msgID, s.cfg.PublishMaxRetries, err)
}

func (s *NATS) Commit(ctx context.Context, dataset string) error {
	s.mu.Lock()
	ds, ok := s.datasets[dataset]
	var msg CommitMessage
	if ok {
		msg = CommitMessage{Dataset: dataset, Batch: ds.batch, Replace: ds.replace}
		for part, n := range ds.parts {
			msg.Parts = append(msg.Parts, part)
			msg.Rows += n
		}
		sort.Strings(msg.Parts)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("dataset %q not begun", dataset)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal commit: %w", err)
	}
	if err := s.publish(ctx, s.cfg.Subject+"."+dataset+".commit", data, dataset+"/"+ds.batch+"/commit"); err != nil {
		return err
	}

	s.logger.Info("Dataset committed",
		zap.String("dataset", dataset),
		zap.String("batch", ds.batch),
		zap.Int("rows", msg.Rows))
	return nil
}

func (s *NATS) Close() error { return nil }
