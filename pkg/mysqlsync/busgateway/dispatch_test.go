package busgateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/config"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/hub"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/model"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/queue"
)

func nowPlusMillis(ms int64) int64 {
	return time.Now().Add(time.Duration(ms) * time.Millisecond).UnixMilli()
}

func farFuture() time.Time {
	return time.Now().Add(time.Hour)
}

type fakeMessage struct {
	payload []byte
}

func (f fakeMessage) Duplicate() bool   { return false }
func (f fakeMessage) Qos() byte         { return 1 }
func (f fakeMessage) Retained() bool    { return false }
func (f fakeMessage) Topic() string     { return "" }
func (f fakeMessage) MessageID() uint16 { return 0 }
func (f fakeMessage) Payload() []byte   { return f.payload }
func (f fakeMessage) Ack()              {}

func newTestGatewayForDispatch(t *testing.T) *Gateway {
	t.Helper()
	h := hub.New(logging.Noop())
	manager := queue.NewManager(t.TempDir(), logging.Noop())
	cfg := &config.Config{
		ClientName:    "node-a",
		ReceiveTables: []string{"users"},
		RemoteClients: []string{"node-b"},
	}
	return New(cfg, h, logging.Noop(), manager)
}

func TestHandleInfo_ConnectedTouchesPresence(t *testing.T) {
	g := newTestGatewayForDispatch(t)

	args, _ := json.Marshal(connectedArgs{Until: nowPlusMillis(60000)})
	payload, _ := json.Marshal(infoEnvelope{Sender: "node-b", Message: messageConnected, Args: args})

	g.handleInfo(nil, fakeMessage{payload: payload})

	if !g.presence.connected("node-b") {
		t.Error("expected node-b to be marked connected")
	}
}

func TestHandleInfo_ConnectionLostForgetsPeer(t *testing.T) {
	g := newTestGatewayForDispatch(t)
	g.presence.touch("node-b", farFuture())

	payload, _ := json.Marshal(infoEnvelope{Sender: "node-b", Message: messageConnectionLost, Args: json.RawMessage("{}")})
	g.handleInfo(nil, fakeMessage{payload: payload})

	if g.presence.connected("node-b") {
		t.Error("expected node-b to be forgotten after connection_lost")
	}
}

func TestHandleInfo_DataReceivedEmitsRemoteStatusChange(t *testing.T) {
	g := newTestGatewayForDispatch(t)

	var got model.StatusChange
	g.hub.On(hub.RemoteStatusChange, func(ctx context.Context, payload interface{}) error {
		got = payload.(model.StatusChange)
		return nil
	})

	args, _ := json.Marshal(feedbackArgs{Table: "users", ID: "1", Date: 42})
	payload, _ := json.Marshal(infoEnvelope{Sender: "node-b", Message: messageDataReceived, Args: args})
	g.handleInfo(nil, fakeMessage{payload: payload})

	if got.Status != model.StatusSuccessful || got.Table != "users" || got.ID != "1" {
		t.Errorf("expected successful status for users/1, got %+v", got)
	}
}

func TestHandleInfo_ErrorEmitsRemoteStatusChangeWithMessage(t *testing.T) {
	g := newTestGatewayForDispatch(t)

	var got model.StatusChange
	g.hub.On(hub.RemoteStatusChange, func(ctx context.Context, payload interface{}) error {
		got = payload.(model.StatusChange)
		return nil
	})

	args, _ := json.Marshal(feedbackArgs{Table: "users", ID: "1", Date: 42, Message: "boom"})
	payload, _ := json.Marshal(infoEnvelope{Sender: "node-b", Message: messageError, Args: args})
	g.handleInfo(nil, fakeMessage{payload: payload})

	if got.Status != model.StatusError || got.Message != "boom" {
		t.Errorf("expected error status with message, got %+v", got)
	}
}

func TestHandleInfo_IgnoresOwnMessages(t *testing.T) {
	g := newTestGatewayForDispatch(t)

	called := false
	g.hub.On(hub.RemoteStatusChange, func(ctx context.Context, payload interface{}) error {
		called = true
		return nil
	})

	args, _ := json.Marshal(feedbackArgs{Table: "users", ID: "1"})
	payload, _ := json.Marshal(infoEnvelope{Sender: "node-a", Message: messageDataReceived, Args: args})
	g.handleInfo(nil, fakeMessage{payload: payload})

	if called {
		t.Error("expected self-originated /info messages to be ignored")
	}
}

func TestHandleChange_EmitsRemoteChangeForConfiguredTable(t *testing.T) {
	g := newTestGatewayForDispatch(t)

	var got model.Change
	g.hub.On(hub.RemoteChange, func(ctx context.Context, payload interface{}) error {
		got = payload.(model.Change)
		return nil
	})

	env := changeEnvelope{Sender: "node-b", Table: "users", ID: "1", Entity: model.Row{"id": "1"}}
	payload, _ := json.Marshal(env)
	g.handleChange(nil, fakeMessage{payload: payload})

	if got.Table != "users" || got.ID != "1" {
		t.Errorf("expected remote-change for users/1, got %+v", got)
	}
}

func TestHandleChange_DropsUnconfiguredTable(t *testing.T) {
	g := newTestGatewayForDispatch(t)

	called := false
	g.hub.On(hub.RemoteChange, func(ctx context.Context, payload interface{}) error {
		called = true
		return nil
	})

	env := changeEnvelope{Sender: "node-b", Table: "invoices", ID: "1"}
	payload, _ := json.Marshal(env)
	g.handleChange(nil, fakeMessage{payload: payload})

	if called {
		t.Error("expected change for an unconfigured table to be dropped")
	}
}

func TestDeliverOrBuffer_BuffersWhenPeerOffline(t *testing.T) {
	g := newTestGatewayForDispatch(t)

	send := model.RemoteSendChange{Table: "users", ID: "1", Entity: model.Row{"id": "1"}, Peer: "node-b"}
	if err := g.deliverOrBuffer(send); err != nil {
		t.Fatalf("deliverOrBuffer: %v", err)
	}

	q, err := g.peerQueues.Get(queue.PeerQueueName("node-b"))
	if err != nil {
		t.Fatalf("get peer queue: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected change to be buffered, len=%d", q.Len())
	}
}
