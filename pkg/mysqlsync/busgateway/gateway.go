// Package busgateway implements the Bus Gateway (§4.C): connecting to
// the message bus, publishing and subscribing, presence tracking, and
// the per-peer durable offline queue. It generalizes go-mcast's
// Transport interface (core/transport.go's ReliableTransport, which
// wraps the unfetchable github.com/jabolina/relt) onto
// github.com/eclipse/paho.mqtt.golang, whose will-message, QoS,
// persistent-store and auto-resubscribe primitives map directly onto
// the vocabulary spec §4.C and §6 use.
package busgateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/config"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/hub"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/metrics"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/model"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/queue"
)

const (
	messageConnected      = "connected"
	messageConnectionLost = "connection_lost"
	messageDataReceived   = "data_received"
	messageError          = "error"
)

// infoEnvelope is the wire shape of every message on /info and
// /info/<peer> (§6).
type infoEnvelope struct {
	Sender  string          `json:"sender"`
	Message string          `json:"message"`
	Args    json.RawMessage `json:"args"`
}

type connectedArgs struct {
	Until int64 `json:"until"`
}

type feedbackArgs struct {
	Table   string `json:"table"`
	ID      string `json:"id"`
	Date    int64  `json:"date"`
	Message string `json:"message,omitempty"`
}

// changeEnvelope is the wire shape of every message on /change/<peer>.
type changeEnvelope struct {
	Sender string    `json:"sender"`
	Table  string    `json:"table"`
	ID     string    `json:"id"`
	Date   int64     `json:"date"`
	Entity model.Row `json:"entity"`
}

func infoTopic(self string) string   { return "/info/" + self }
func changeTopic(self string) string { return "/change/" + self }
func peerTopic(prefix, peer string) string {
	return fmt.Sprintf("/%s/%s", prefix, peer)
}

// Gateway owns the bus connection.
type Gateway struct {
	self           string
	remotePeers    []string
	receiveSet     map[string]struct{}
	updateInterval time.Duration
	defaultQoS     byte

	hub *hub.Hub
	log logging.Logger

	recorder metrics.Recorder

	peerQueues *queue.Manager

	mutex            sync.Mutex
	client           mqtt.Client
	nextActiveUpdate time.Time

	presence *presenceMap
}

// New constructs a disconnected Gateway and registers its hub
// listeners.
func New(cfg *config.Config, h *hub.Hub, log logging.Logger, peerQueues *queue.Manager) *Gateway {
	g := &Gateway{
		self:           cfg.ClientName,
		remotePeers:    cfg.RemoteClients,
		receiveSet:     cfg.ReceiveTableSet(),
		updateInterval: time.Duration(cfg.CheckIntervalMillis) * time.Millisecond,
		defaultQoS:     0,
		hub:            h,
		log:            log.With(logging.Fields{"component": "busgateway"}),
		recorder:       metrics.Noop(),
		peerQueues:     peerQueues,
		presence:       newPresenceMap(),
	}
	h.On(hub.RemoteSendChange, g.onRemoteSendChange)
	h.On(hub.LocalSaveSuccessful, g.onLocalSaveSuccessful)
	h.On(hub.LocalSaveFailed, g.onLocalSaveFailed)
	return g
}

// SetRecorder attaches a metrics.Recorder. Optional: a Gateway built
// via New already has a noop recorder.
func (g *Gateway) SetRecorder(r metrics.Recorder) {
	g.recorder = r
}

// Connect opens the bus session per §4.C "Connection": a will message
// published to /info on ungraceful disconnect, persistent in-flight
// stores, and automatic resubscription on reconnect.
func (g *Gateway) Connect(ctx context.Context, cfg config.MQTTConfig) error {
	incoming, err := g.peerQueues.Get("mqtt-incoming")
	if err != nil {
		return errors.Wrap(err, "busgateway: opening mqtt-incoming queue")
	}
	outgoing, err := g.peerQueues.Get("mqtt-outgoing")
	if err != nil {
		return errors.Wrap(err, "busgateway: opening mqtt-outgoing queue")
	}
	store := newDurableStore(incoming, outgoing, g.log)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(g.self)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return errors.Wrap(err, "busgateway: building TLS config")
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	willPayload, err := json.Marshal(infoEnvelope{
		Sender:  g.self,
		Message: messageConnectionLost,
		Args:    json.RawMessage("{}"),
	})
	if err != nil {
		return errors.Wrap(err, "busgateway: marshaling will payload")
	}
	opts.SetBinaryWill("/info", willPayload, 1, false)

	opts.SetStore(store)
	opts.SetAutoReconnect(true)
	opts.SetResumeSubs(true)
	opts.SetCleanSession(false)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		g.subscribeAll(c)
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		g.log.Warnf("busgateway: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "busgateway: connect")
	}

	g.mutex.Lock()
	g.client = client
	g.mutex.Unlock()
	return nil
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	if len(cfg.CA) == 0 && len(cfg.Cert) == 0 && len(cfg.Key) == 0 {
		return nil, nil
	}
	tlsConfig := &tls.Config{}
	if len(cfg.CA) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.CA) {
			return nil, errors.New("busgateway: invalid CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if len(cfg.Cert) > 0 && len(cfg.Key) > 0 {
		cert, err := tls.X509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, errors.Wrap(err, "loading client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func (g *Gateway) subscribeAll(c mqtt.Client) {
	subscribe := func(topic string, handler mqtt.MessageHandler) {
		token := c.Subscribe(topic, g.defaultQoS, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			g.log.Errorf("busgateway: subscribing to %s: %v", topic, err)
		}
	}
	subscribe("/info", g.handleInfo)
	subscribe(infoTopic(g.self), g.handleInfo)
	subscribe(changeTopic(g.self), g.handleChange)
}

// Close disconnects from the bus.
func (g *Gateway) Close() {
	g.mutex.Lock()
	client := g.client
	g.mutex.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

func (g *Gateway) connectedClient() mqtt.Client {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.client
}

// Publish implements transform.Publisher: the side-channel bus access
// a transformer's Context may use to talk to a specific peer directly
// (§4.D "the bus handle"), bypassing the usual change/info envelopes.
func (g *Gateway) Publish(topic string, payload interface{}, remotePeer string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "busgateway: marshaling transformer publish")
	}
	client := g.connectedClient()
	if client == nil || !client.IsConnected() {
		return errors.New("busgateway: not connected")
	}
	fullTopic := topic
	if remotePeer != "" {
		fullTopic = peerTopic(topic, remotePeer)
	}
	token := client.Publish(fullTopic, g.defaultQoS, false, body)
	token.Wait()
	return errors.Wrap(token.Error(), "busgateway: transformer publish")
}
