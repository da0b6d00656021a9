package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/target-evidence-core/internal/corpus"
	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/service"
)

type MockHandler struct {
	mock.Mock
}

func (m *MockHandler) Ingest(ctx context.Context, fact *domain.Fact) (*service.IngestResult, error) {
	args := m.Called(ctx, fact)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.IngestResult), args.Error(1)
}

func (m *MockHandler) Supersede(ctx context.Context, id int64) (*domain.Fact, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Fact), args.Error(1)
}

func (m *MockHandler) RetractPaper(ctx context.Context, paperID string) (int, error) {
	args := m.Called(ctx, paperID)
	return args.Int(0), args.Error(1)
}

func (m *MockHandler) AddPaper(ctx context.Context, paper *domain.Paper, chunks []domain.Chunk) (*corpus.AddResult, error) {
	args := m.Called(ctx, paper, chunks)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*corpus.AddResult), args.Error(1)
}

func (m *MockHandler) RegisterEntity(ctx context.Context, entity *domain.Entity) (*domain.Entity, error) {
	args := m.Called(ctx, entity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Entity), args.Error(1)
}

// recordingAck captures how a delivery was settled
type recordingAck struct {
	acked    bool
	requeued bool
	rejected bool
}

func (r *recordingAck) Ack(tag uint64, multiple bool) error {
	r.acked = true
	return nil
}

func (r *recordingAck) Nack(tag uint64, multiple, requeue bool) error {
	r.requeued = requeue
	r.rejected = !requeue
	return nil
}

func (r *recordingAck) Reject(tag uint64, requeue bool) error {
	r.requeued = requeue
	r.rejected = !requeue
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func delivery(t *testing.T, ack amqp091.Acknowledger, body interface{}) amqp091.Delivery {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	return amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: raw}
}

func TestConsumer_Handle(t *testing.T) {
	kras := &domain.Fact{Subject: "KRAS", Predicate: "drives", Object: "PAAD", BaseWeight: 0.8}

	tests := []struct {
		name    string
		body    interface{}
		setup   func(h *MockHandler)
		outcome Outcome
	}{
		{
			name: "fact ingested and acked",
			body: Message{Type: TypeFact, Fact: kras},
			setup: func(h *MockHandler) {
				h.On("Ingest", mock.Anything, mock.MatchedBy(func(f *domain.Fact) bool { return f.Subject == "KRAS" })).
					Return(&service.IngestResult{}, nil)
			},
			outcome: OutcomeAcked,
		},
		{
			name: "validation error dead-lettered",
			body: Message{Type: TypeFact, Fact: kras},
			setup: func(h *MockHandler) {
				h.On("Ingest", mock.Anything, mock.Anything).
					Return(nil, domain.NewValidationError("subject", "unknown entity", "KRAS"))
			},
			outcome: OutcomeDeadLetter,
		},
		{
			name: "storage outage requeued",
			body: Message{Type: TypeFact, Fact: kras},
			setup: func(h *MockHandler) {
				h.On("Ingest", mock.Anything, mock.Anything).
					Return(nil, domain.NewError(domain.KindStorageUnavailable, "insert", "connection refused"))
			},
			outcome: OutcomeRequeued,
		},
		{
			name:    "malformed JSON dead-lettered",
			body:    `{"type":`,
			setup:   func(h *MockHandler) {},
			outcome: OutcomeDeadLetter,
		},
		{
			name:    "unknown type dead-lettered",
			body:    Message{Type: "delete_everything"},
			setup:   func(h *MockHandler) {},
			outcome: OutcomeDeadLetter,
		},
		{
			name: "retraction",
			body: Message{Type: TypeRetraction, PaperID: "p1"},
			setup: func(h *MockHandler) {
				h.On("RetractPaper", mock.Anything, "p1").Return(3, nil)
			},
			outcome: OutcomeAcked,
		},
		{
			name: "supersede",
			body: Message{Type: TypeSupersede, FactID: 7},
			setup: func(h *MockHandler) {
				h.On("Supersede", mock.Anything, int64(7)).Return(&domain.Fact{ID: 7}, nil)
			},
			outcome: OutcomeAcked,
		},
		{
			name: "paper with chunks",
			body: Message{
				Type:   TypePaper,
				Paper:  &domain.Paper{ID: "p1", Title: "KRAS G12D drives pancreatic cancer", DOI: "10.1000/kras"},
				Chunks: []domain.Chunk{{Ordinal: 0, Text: "Abstract"}, {Ordinal: 1, Text: "Methods"}},
			},
			setup: func(h *MockHandler) {
				h.On("AddPaper", mock.Anything,
					mock.MatchedBy(func(p *domain.Paper) bool { return p.ID == "p1" && p.DOI == "10.1000/kras" }),
					mock.MatchedBy(func(c []domain.Chunk) bool { return len(c) == 2 && c[1].Text == "Methods" }),
				).Return(&corpus.AddResult{Paper: &domain.Paper{ID: "p1"}}, nil)
			},
			outcome: OutcomeAcked,
		},
		{
			name: "duplicate paper identifier dead-lettered",
			body: Message{Type: TypePaper, Paper: &domain.Paper{ID: "p2", Title: "Again", DOI: "10.1000/kras"}},
			setup: func(h *MockHandler) {
				h.On("AddPaper", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, domain.NewError(domain.KindConflictingWrite, "corpus.AddPaper", "doi already held by paper p1"))
			},
			outcome: OutcomeDeadLetter,
		},
		{
			name:    "paper missing",
			body:    Message{Type: TypePaper},
			setup:   func(h *MockHandler) {},
			outcome: OutcomeDeadLetter,
		},
		{
			name: "entity",
			body: Message{Type: TypeEntity, Entity: &domain.Entity{ID: "imatinib", Kind: domain.EntityCompound, Symbol: "imatinib"}},
			setup: func(h *MockHandler) {
				h.On("RegisterEntity", mock.Anything, mock.MatchedBy(func(e *domain.Entity) bool { return e.Kind == domain.EntityCompound })).
					Return(&domain.Entity{ID: "imatinib"}, nil)
			},
			outcome: OutcomeAcked,
		},
		{
			name:    "supersede without id",
			body:    Message{Type: TypeSupersede},
			setup:   func(h *MockHandler) {},
			outcome: OutcomeDeadLetter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &MockHandler{}
			tt.setup(h)
			c := NewConsumer(domain.AMQPConfig{Queue: "kg_facts"}, h, testLogger())
			ack := &recordingAck{}

			outcome := c.Handle(context.Background(), delivery(t, ack, tt.body))

			assert.Equal(t, tt.outcome, outcome)
			switch tt.outcome {
			case OutcomeAcked:
				assert.True(t, ack.acked)
			case OutcomeRequeued:
				assert.True(t, ack.requeued)
			case OutcomeDeadLetter:
				assert.True(t, ack.rejected)
			}
			h.AssertExpectations(t)
		})
	}
}

func TestDeadLetterQueue(t *testing.T) {
	assert.Equal(t, "kg_facts_dlq", DeadLetterQueue("kg_facts"))
}
