package busgateway

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/queue"
)

// persistedPacket is the on-disk shape of one in-flight MQTT control
// packet, keyed the way paho.mqtt.golang keys its Store: "i.<id>" for
// packets awaiting acknowledgement from the broker (incoming) and
// "o.<id>" for packets this client has sent but not yet confirmed
// (outgoing).
type persistedPacket struct {
	Key  string `json:"key"`
	Wire []byte `json:"wire"`
}

// durableStore implements mqtt.Store (Open/Put/Get/All/Del/Close/Reset)
// on top of two Durable Queues (§4.C "Two persistent stores"), so
// unacknowledged in-flight messages survive a process restart. This
// generalizes go-mcast's ReliableTransport, which wraps an external
// reliable-transport library (relt) behind the same kind of
// context-scoped, log-carrying struct (core/transport.go).
type durableStore struct {
	mutex    sync.Mutex
	incoming *queue.Queue
	outgoing *queue.Queue
	log      logging.Logger
	opened   bool
}

func newDurableStore(incoming, outgoing *queue.Queue, log logging.Logger) *durableStore {
	return &durableStore{incoming: incoming, outgoing: outgoing, log: log}
}

func (s *durableStore) Open() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.opened = true
}

func (s *durableStore) queueFor(key string) *queue.Queue {
	if strings.HasPrefix(key, "i.") {
		return s.incoming
	}
	return s.outgoing
}

func (s *durableStore) Put(key string, message packets.ControlPacket) {
	var buf bytes.Buffer
	if err := message.Write(&buf); err != nil {
		s.log.Errorf("busgateway: encoding packet %s for persistence: %v", key, err)
		return
	}
	q := s.queueFor(key)
	if err := q.Push(persistedPacket{Key: key, Wire: buf.Bytes()}); err != nil {
		s.log.Errorf("busgateway: persisting packet %s: %v", key, err)
	}
}

func (s *durableStore) Get(key string) packets.ControlPacket {
	q := s.queueFor(key)
	items := q.Find(func(raw json.RawMessage) bool {
		return matchesKey(raw, key)
	})
	if len(items) == 0 {
		return nil
	}
	pp, ok := decodePersisted(items[0])
	if !ok {
		return nil
	}
	packet, err := packets.ReadPacket(bytes.NewReader(pp.Wire))
	if err != nil {
		s.log.Errorf("busgateway: decoding packet %s: %v", key, err)
		return nil
	}
	return packet
}

func (s *durableStore) All() []string {
	var keys []string
	for _, raw := range s.incoming.SnapshotSync() {
		if pp, ok := decodePersisted(raw); ok {
			keys = append(keys, pp.Key)
		}
	}
	for _, raw := range s.outgoing.SnapshotSync() {
		if pp, ok := decodePersisted(raw); ok {
			keys = append(keys, pp.Key)
		}
	}
	return keys
}

func (s *durableStore) Del(key string) {
	q := s.queueFor(key)
	if _, err := q.Delete(func(raw json.RawMessage) bool { return matchesKey(raw, key) }); err != nil {
		s.log.Errorf("busgateway: deleting packet %s: %v", key, err)
	}
}

func (s *durableStore) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.opened = false
}

func (s *durableStore) Reset() {
	s.incoming.Delete(func(json.RawMessage) bool { return true })
	s.outgoing.Delete(func(json.RawMessage) bool { return true })
}

func matchesKey(raw json.RawMessage, key string) bool {
	pp, ok := decodePersisted(raw)
	return ok && pp.Key == key
}

func decodePersisted(raw json.RawMessage) (persistedPacket, bool) {
	var pp persistedPacket
	if err := json.Unmarshal(raw, &pp); err != nil {
		return persistedPacket{}, false
	}
	return pp, true
}

var _ mqtt.Store = (*durableStore)(nil)
