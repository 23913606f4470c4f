// Package events defines the bus contracts for job lifecycle and quota usage.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawlquota/internal/crawler"
)

// Type tags a bus message.
type Type string

// Event types carried on the bus.
const (
	TypeJobStarted        Type = "JobStarted"
	TypeJobStatusChanged  Type = "JobStatusChanged"
	TypeJobCompleted      Type = "JobCompleted"
	TypeCrawlerFailed     Type = "CrawlerFailed"
	TypeURLCrawlStarted   Type = "UrlCrawlStarted"
	TypeURLCrawlCompleted Type = "UrlCrawlCompleted"
	TypeURLCrawlFailed    Type = "UrlCrawlFailed"
	TypeQuotaDeducted     Type = "QuotaDeducted"
	TypeCrawlQuotaUsage   Type = "CrawlQuotaUsage"
)

// Stream groups event types into topics.
type Stream string

// Streams.
const (
	StreamLifecycle Stream = "lifecycle"
	StreamUsage     Stream = "usage"
)

// Header names attached to every message.
const (
	HeaderEventType = "event-type"
	HeaderTimestamp = "timestamp"
)

// StreamOf routes quota events to the usage stream and everything else to
// the lifecycle stream.
func StreamOf(t Type) Stream {
	switch t {
	case TypeCrawlQuotaUsage, TypeQuotaDeducted:
		return StreamUsage
	default:
		return StreamLifecycle
	}
}

// Message is an encoded event ready for a Publisher. Key is the partition or
// ordering key: the job ID for lifecycle events, the user ID for quota events.
type Message struct {
	Type       Type
	Key        string
	OccurredAt time.Time
	Payload    []byte
}

// Stream returns the stream the message belongs to.
func (m Message) Stream() Stream {
	return StreamOf(m.Type)
}

// Headers returns the event-type and UTC timestamp headers.
func (m Message) Headers() map[string]string {
	return map[string]string{
		HeaderEventType: string(m.Type),
		HeaderTimestamp: m.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// NewMessage encodes payload as JSON.
func NewMessage(t Type, key string, occurredAt time.Time, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Key: key, OccurredAt: occurredAt.UTC(), Payload: data}, nil
}

// Publisher delivers messages to the bus with per-key ordering.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// JobStarted is emitted once a job is admitted.
type JobStarted struct {
	JobID       string              `json:"jobId"`
	UserID      string              `json:"userId"`
	URLCount    int                 `json:"urlCount"`
	CrawlerType crawler.CrawlerType `json:"crawlerType"`
	Priority    int                 `json:"priority"`
	OccurredAt  time.Time           `json:"occurredAt"`
}

// JobStatusChanged is emitted on every state transition after admission.
type JobStatusChanged struct {
	JobID      string            `json:"jobId"`
	UserID     string            `json:"userId"`
	From       crawler.JobStatus `json:"from"`
	To         crawler.JobStatus `json:"to"`
	AgentID    string            `json:"agentId,omitempty"`
	Message    string            `json:"message,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// JobCompleted is emitted when a job finishes with at least one success.
type JobCompleted struct {
	JobID      string    `json:"jobId"`
	UserID     string    `json:"userId"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	OccurredAt time.Time `json:"occurredAt"`
}

// CrawlerFailed reports an execution failure and whether a retry is due.
type CrawlerFailed struct {
	JobID      string    `json:"jobId"`
	UserID     string    `json:"userId"`
	AgentID    string    `json:"agentId,omitempty"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	WillRetry  bool      `json:"willRetry"`
	OccurredAt time.Time `json:"occurredAt"`
}

// URLCrawlStarted is emitted before an agent fetches a URL.
type URLCrawlStarted struct {
	JobID      string    `json:"jobId"`
	UserID     string    `json:"userId"`
	URL        string    `json:"url"`
	Position   int       `json:"position"`
	AgentID    string    `json:"agentId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// URLCrawlCompleted is emitted for a successful URL.
type URLCrawlCompleted struct {
	JobID                string    `json:"jobId"`
	UserID               string    `json:"userId"`
	URL                  string    `json:"url"`
	Position             int       `json:"position"`
	StatusCode           int       `json:"statusCode"`
	ContentSize          int64     `json:"contentSize"`
	ExtractionConfidence float64   `json:"extractionConfidence"`
	OccurredAt           time.Time `json:"occurredAt"`
}

// URLCrawlFailed is emitted for a failed URL.
type URLCrawlFailed struct {
	JobID      string    `json:"jobId"`
	UserID     string    `json:"userId"`
	URL        string    `json:"url"`
	Position   int       `json:"position"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurredAt"`
}

// QuotaDeducted is emitted after admission reserves units.
type QuotaDeducted struct {
	UserID     string    `json:"userId"`
	JobID      string    `json:"jobId"`
	Units      int       `json:"units"`
	Used       int       `json:"used"`
	Limit      int       `json:"limit"`
	OccurredAt time.Time `json:"occurredAt"`
}

// CrawlQuotaUsage reports consumption to reconcile into the ledger.
// UnitsConsumed may be negative to refund.
type CrawlQuotaUsage struct {
	UserID        string    `json:"userId"`
	JobID         string    `json:"jobId,omitempty"`
	UnitsConsumed int       `json:"unitsConsumed"`
	CorrelationID string    `json:"correlationId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
	Source        string    `json:"source,omitempty"`
}

// ErrMalformed marks payloads that can never be processed.
var ErrMalformed = errors.New("malformed event payload")

// DecodeUsage parses a CrawlQuotaUsage payload.
func DecodeUsage(data []byte) (CrawlQuotaUsage, error) {
	if len(data) == 0 {
		return CrawlQuotaUsage{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	var u CrawlQuotaUsage
	if err := json.Unmarshal(data, &u); err != nil {
		return CrawlQuotaUsage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if u.UserID == "" {
		return CrawlQuotaUsage{}, fmt.Errorf("%w: missing userId", ErrMalformed)
	}
	return u, nil
}
