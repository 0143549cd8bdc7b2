// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrTenantRequired = errors.New("tenantID is required")
	ErrBusClosed      = errors.New("bus is closed")
)

// New returns the bus named by cfg.Type: "channel" or "nats".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newMessage builds the envelope both implementations deliver.
func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

// SubmittedEvent asks a worker to analyze a statement.
type SubmittedEvent struct {
	TenantID string `json:"tenantId"`
	Filename string `json:"filename"`
	Document []byte `json:"document"` // base64 in JSON
	TraceID  string `json:"traceId,omitempty"`
}

// AnalyzedEvent announces a stored analysis.
type AnalyzedEvent struct {
	AnalysisID string   `json:"analysisId"`
	TenantID   string   `json:"tenantId"`
	Filename   string   `json:"filename"`
	Digest     string   `json:"digest"`
	Status     string   `json:"status"`
	Score      int      `json:"score"`
	Indicators []string `json:"indicators"`
	TraceID    string   `json:"traceId,omitempty"`
}

// PublishJSON encodes v and publishes it.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// DecodeJSON decodes a message payload into v.
func DecodeJSON(msg *domain.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", msg.Topic, err)
	}
	return nil
}
