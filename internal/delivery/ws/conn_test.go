package ws

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
	"github.com/mmuslimabdulj/goat-relay/internal/metrics"
)

func TestSendTo_StaleConnection(t *testing.T) {
	live := newMockConn("live")
	dead := newMockConn("dead")
	dead.kill()

	if err := sendTo(live, []byte(`{}`)); err != nil {
		t.Fatalf("live conn: %v", err)
	}
	err := sendTo(dead, []byte(`{}`))
	if !errors.Is(err, domain.ErrStaleConnection) {
		t.Fatalf("Expected ErrStaleConnection, got %v", err)
	}
}

func TestDeliver_CountsSentAndDropped(t *testing.T) {
	dead := newMockConn("dead")
	dead.kill()
	conns := []Conn{newMockConn("a"), dead, newMockConn("b")}

	before := testutil.ToFloat64(metrics.DeliveriesDropped)
	if sent := deliver(conns, domain.EventPublicMessage, []byte(`{}`)); sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if after := testutil.ToFloat64(metrics.DeliveriesDropped); after != before+1 {
		t.Errorf("dropped counter = %v, want %v", after, before+1)
	}
}
