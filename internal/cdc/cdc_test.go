package cdc

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"chatcore/internal/model"
)

func TestNewWithNoBrokersDisablesCDC(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p != nil {
		t.Fatal("Producer = non-nil, want nil when no brokers are configured")
	}
}

func TestNilProducerMethodsAreNoOps(t *testing.T) {
	var p *Producer

	env := &model.Envelope{MsgID: uuid.New(), ChannelID: uuid.New()}

	// None of these may panic on a nil receiver - this is the contract
	// that lets every caller skip a "is CDC configured" branch.
	p.Publish(context.Background(), EventMessageCreated, env)

	sent, failed := p.Stats()
	if sent != 0 || failed != 0 {
		t.Fatalf("Stats() = (%d, %d), want (0, 0) on a nil Producer", sent, failed)
	}

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() = %v, want nil on a nil Producer", err)
	}
}
