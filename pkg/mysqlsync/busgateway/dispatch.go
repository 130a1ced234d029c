package busgateway

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/hub"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/model"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/queue"
)

// presenceSafetyMargin pads a peer's announced liveness window so a
// slightly late next update is not mistaken for a dropped peer (§4.C
// "Presence", recommended formula: until = now + 2*updateInterval + 2s).
const presenceSafetyMargin = 2 * time.Second

// handleInfo dispatches both the broadcast /info topic and this node's
// own /info/<self> feedback topic.
func (g *Gateway) handleInfo(_ mqtt.Client, msg mqtt.Message) {
	var env infoEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		g.log.Errorf("busgateway: decoding /info payload: %v", err)
		return
	}
	if env.Sender == g.self {
		return
	}

	switch env.Message {
	case messageConnected:
		var args connectedArgs
		if err := json.Unmarshal(env.Args, &args); err != nil {
			g.log.Errorf("busgateway: decoding connected args from %s: %v", env.Sender, err)
			return
		}
		wasOffline := !g.presence.connected(env.Sender)
		g.presence.touch(env.Sender, time.UnixMilli(args.Until))
		if wasOffline {
			g.drainPeerQueue(env.Sender)
		}
	case messageConnectionLost:
		g.presence.forget(env.Sender)
	case messageDataReceived, messageError:
		var args feedbackArgs
		if err := json.Unmarshal(env.Args, &args); err != nil {
			g.log.Errorf("busgateway: decoding feedback args from %s: %v", env.Sender, err)
			return
		}
		status := model.StatusChange{
			Sender: env.Sender,
			Table:  args.Table,
			ID:     args.ID,
			Date:   args.Date,
		}
		if env.Message == messageDataReceived {
			status.Status = model.StatusSuccessful
		} else {
			status.Status = model.StatusError
			status.Message = args.Message
		}
		if err := g.hub.Emit(context.Background(), hub.RemoteStatusChange, status); err != nil {
			g.log.Errorf("busgateway: emitting remote-status-change for %s/%s: %v", args.Table, args.ID, err)
		}
	default:
		g.log.Warnf("busgateway: unknown /info message %q from %s", env.Message, env.Sender)
	}
}

// handleChange dispatches an inbound /change/<self> message into the
// hub as a remote-change event (§4.C → §4.D handoff).
func (g *Gateway) handleChange(_ mqtt.Client, msg mqtt.Message) {
	var env changeEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		g.log.Errorf("busgateway: decoding /change payload: %v", err)
		return
	}
	if env.Sender == g.self {
		return
	}
	if _, ok := g.receiveSet[env.Table]; !ok {
		g.log.Warnf("busgateway: rejecting change for unconfigured table %q from %s", env.Table, env.Sender)
		args, err := json.Marshal(feedbackArgs{
			Table:   env.Table,
			ID:      env.ID,
			Date:    env.Date,
			Message: "table not in receive set",
		})
		if err != nil {
			g.log.Errorf("busgateway: marshaling receive-table violation args: %v", err)
			return
		}
		if err := g.publishInfo(env.Sender, messageError, args); err != nil {
			g.log.Errorf("busgateway: publishing receive-table violation to %s: %v", env.Sender, err)
		}
		return
	}
	change := model.Change{
		Sender: env.Sender,
		Table:  env.Table,
		ID:     env.ID,
		Date:   env.Date,
		Entity: env.Entity,
	}
	if err := g.hub.Emit(context.Background(), hub.RemoteChange, change); err != nil {
		g.log.Errorf("busgateway: emitting remote-change for %s/%s: %v", env.Table, env.ID, err)
	}
}

// Tick publishes this node's presence announcement at the configured
// cadence (§4.C "Presence"). Idempotent between cadences; cheap to
// call on every daemon tick.
func (g *Gateway) Tick(ctx context.Context) error {
	now := time.Now()
	g.mutex.Lock()
	due := now.After(g.nextActiveUpdate) || now.Equal(g.nextActiveUpdate)
	g.mutex.Unlock()
	if !due {
		return nil
	}

	until := now.Add(2*g.updateInterval + presenceSafetyMargin)
	args, err := json.Marshal(connectedArgs{Until: until.UnixMilli()})
	if err != nil {
		return errors.Wrap(err, "busgateway: marshaling connected args")
	}
	payload, err := json.Marshal(infoEnvelope{Sender: g.self, Message: messageConnected, Args: args})
	if err != nil {
		return errors.Wrap(err, "busgateway: marshaling connected envelope")
	}

	client := g.connectedClient()
	if client == nil || !client.IsConnected() {
		return nil
	}
	token := client.Publish("/info", g.defaultQoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "busgateway: publishing presence")
	}

	g.mutex.Lock()
	g.nextActiveUpdate = now.Add(g.updateInterval + presenceSafetyMargin)
	g.mutex.Unlock()
	return nil
}

// onRemoteSendChange is the hub listener for "remote-send-change": it
// publishes directly to a connected peer, or buffers the change
// durably for later delivery when the peer is offline (§4.C
// "Per-peer offline buffering").
func (g *Gateway) onRemoteSendChange(ctx context.Context, payload interface{}) error {
	send, ok := payload.(model.RemoteSendChange)
	if !ok {
		return nil
	}
	return g.deliverOrBuffer(send)
}

func (g *Gateway) deliverOrBuffer(send model.RemoteSendChange) error {
	env := changeEnvelope{
		Sender: g.self,
		Table:  send.Table,
		ID:     send.ID,
		Date:   time.Now().UnixMilli(),
		Entity: send.Entity,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "busgateway: marshaling change envelope")
	}

	client := g.connectedClient()
	if client != nil && client.IsConnected() && g.presence.connected(send.Peer) {
		token := client.Publish(changeTopic(send.Peer), 1, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			return errors.Wrapf(err, "busgateway: publishing change to %s", send.Peer)
		}
		return nil
	}

	q, err := g.peerQueues.Get(queue.PeerQueueName(send.Peer))
	if err != nil {
		return errors.Wrapf(err, "busgateway: opening offline queue for %s", send.Peer)
	}
	if err := q.Push(json.RawMessage(payload)); err != nil {
		return errors.Wrapf(err, "busgateway: buffering change for %s", send.Peer)
	}
	g.recorder.SetQueueDepth(queue.PeerQueueName(send.Peer), float64(q.Len()))
	return nil
}

// drainPeerQueue flushes everything buffered for peer now that it has
// announced itself connected.
func (g *Gateway) drainPeerQueue(peer string) {
	q, err := g.peerQueues.Get(queue.PeerQueueName(peer))
	if err != nil {
		g.log.Errorf("busgateway: opening offline queue for %s: %v", peer, err)
		return
	}
	client := g.connectedClient()
	if client == nil || !client.IsConnected() {
		return
	}
	for {
		raw, ok, err := q.Poll()
		if err != nil {
			g.log.Errorf("busgateway: draining offline queue for %s: %v", peer, err)
			return
		}
		if !ok {
			return
		}
		token := client.Publish(changeTopic(peer), 1, false, []byte(raw))
		token.Wait()
		if err := token.Error(); err != nil {
			g.log.Errorf("busgateway: publishing drained change to %s: %v", peer, err)
			return
		}
		g.recorder.SetQueueDepth(queue.PeerQueueName(peer), float64(q.Len()))
	}
}

// onLocalSaveSuccessful tells the originating peer its change was
// applied (§4.B → §4.C handoff).
func (g *Gateway) onLocalSaveSuccessful(ctx context.Context, payload interface{}) error {
	info, ok := payload.(model.ChangeInfo)
	if !ok {
		return nil
	}
	args, err := json.Marshal(feedbackArgs{Table: info.Table, ID: info.ID, Date: info.Date})
	if err != nil {
		return errors.Wrap(err, "busgateway: marshaling data_received args")
	}
	return g.publishInfo(info.OriginalSender, messageDataReceived, args)
}

// onLocalSaveFailed tells the originating peer the apply failed and
// why.
func (g *Gateway) onLocalSaveFailed(ctx context.Context, payload interface{}) error {
	info, ok := payload.(model.ChangeError)
	if !ok {
		return nil
	}
	args, err := json.Marshal(feedbackArgs{Table: info.Table, ID: info.ID, Date: info.Date, Message: info.Message})
	if err != nil {
		return errors.Wrap(err, "busgateway: marshaling error args")
	}
	return g.publishInfo(info.OriginalSender, messageError, args)
}

func (g *Gateway) publishInfo(peer, message string, args json.RawMessage) error {
	payload, err := json.Marshal(infoEnvelope{Sender: g.self, Message: message, Args: args})
	if err != nil {
		return errors.Wrap(err, "busgateway: marshaling info envelope")
	}
	client := g.connectedClient()
	if client == nil || !client.IsConnected() {
		g.log.Warnf("busgateway: dropping %s feedback to %s, not connected", message, peer)
		return nil
	}
	token := client.Publish(peerTopic("info", peer), g.defaultQoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "busgateway: publishing %s to %s", message, peer)
	}
	return nil
}
