package app

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

// TransportRecord tracks one engine transport and its owner.
type TransportRecord struct {
	ID        string
	Conn      domain.ConnID
	Room      domain.RoomID
	Recv      bool
	Transport core.Transport
}

// ProducerRecord tracks one inbound media stream.
type ProducerRecord struct {
	ID       string
	Conn     domain.ConnID
	Room     domain.RoomID
	Kind     core.MediaKind
	AppData  json.RawMessage
	Producer core.Producer

	claimed bool // closure already in flight, guarded by Resources.mu
}

// ConsumerRecord tracks one forwarded stream and the producer it reads.
type ConsumerRecord struct {
	ID         string
	Conn       domain.ConnID
	Room       domain.RoomID
	ProducerID string
	AppData    json.RawMessage
	Consumer   core.Consumer

	claimed bool
}

// Resources is the transport/producer/consumer bookkeeping. Records are
// id-keyed; every record references a live connection, and records are
// always closed before they are removed so a concurrent lookup never
// sees a removed-but-open resource.
type Resources struct {
	mu         sync.RWMutex
	transports map[string]*TransportRecord
	producers  map[string]*ProducerRecord
	consumers  map[string]*ConsumerRecord
}

func NewResources() *Resources {
	return &Resources{
		transports: make(map[string]*TransportRecord),
		producers:  make(map[string]*ProducerRecord),
		consumers:  make(map[string]*ConsumerRecord),
	}
}

// AddTransport registers a transport record. A connection holds at most
// one send-direction transport; receive transports are unbounded.
func (r *Resources) AddTransport(rec *TransportRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !rec.Recv {
		for _, t := range r.transports {
			if t.Conn == rec.Conn && !t.Recv {
				return protocolErr(CodeSendTransportExists, "connection %s already has a send transport", rec.Conn)
			}
		}
	}
	r.transports[rec.ID] = rec
	return nil
}

func (r *Resources) AddProducer(rec *ProducerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[rec.ID] = rec
}

func (r *Resources) AddConsumer(rec *ConsumerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[rec.ID] = rec
}

// SendTransport returns the unique send-direction transport for the
// connection. Producing or connecting without one is a protocol error,
// decided by the caller.
func (r *Resources) SendTransport(conn domain.ConnID) (*TransportRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.transports {
		if t.Conn == conn && !t.Recv {
			return t, true
		}
	}
	return nil, false
}

// RecvTransport looks up a receive-direction transport by id.
func (r *Resources) RecvTransport(transportID string) (*TransportRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[transportID]
	if !ok || !t.Recv {
		return nil, false
	}
	return t, true
}

// Transport looks up a transport by id regardless of direction.
func (r *Resources) Transport(transportID string) (*TransportRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[transportID]
	return t, ok
}

func (r *Resources) Producer(producerID string) (*ProducerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[producerID]
	return p, ok
}

func (r *Resources) Consumer(consumerID string) (*ConsumerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[consumerID]
	return c, ok
}

// ListProducers returns producer ids in the room not owned by the
// excluded connection, for initial peer discovery.
func (r *Resources) ListProducers(room domain.RoomID, excluding domain.ConnID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.producers))
	for id, p := range r.producers {
		if p.Room == room && p.Conn != excluding {
			out = append(out, id)
		}
	}
	return out
}

// ListProducersOwnedBy returns producer ids owned by one connection in
// the given room.
func (r *Resources) ListProducersOwnedBy(room domain.RoomID, owner domain.ConnID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, 2)
	for id, p := range r.producers {
		if p.Room == room && p.Conn == owner {
			out = append(out, id)
		}
	}
	return out
}

func (r *Resources) CountProducers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.producers)
}

// ProducersOf returns the producer ids owned by a connection,
// regardless of room.
func (r *Resources) ProducersOf(conn domain.ConnID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, 2)
	for id, p := range r.producers {
		if p.Conn == conn {
			out = append(out, id)
		}
	}
	return out
}

// CloseTransport closes one transport and drops its record. Used for
// the engine's dtls-closed notification. Close happens before removal;
// engine closes are idempotent, so a racing cleanup is harmless.
func (r *Resources) CloseTransport(transportID string) {
	r.mu.RLock()
	t, ok := r.transports[transportID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	t.Transport.Close()
	r.mu.Lock()
	delete(r.transports, transportID)
	r.mu.Unlock()
	log.Info().Str("module", "app.resources").Str("transport", transportID).Msg("transport closed")
}

// CloseProducer closes the producer and every consumer reading from it,
// then removes their records. It returns the distinct connections that
// owned an affected consumer, so the caller can notify each exactly
// once. The producer record is claimed under the lock, which makes the
// cascade fire at most once per producer even when the engine's closed
// notification races disconnect cleanup.
func (r *Resources) CloseProducer(producerID string) (owners []domain.ConnID) {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	if !ok || p.claimed {
		r.mu.Unlock()
		return nil
	}
	p.claimed = true
	var affected []*ConsumerRecord
	seen := make(map[domain.ConnID]struct{})
	for _, c := range r.consumers {
		if c.ProducerID != producerID || c.claimed {
			continue
		}
		c.claimed = true
		affected = append(affected, c)
		if _, dup := seen[c.Conn]; !dup {
			seen[c.Conn] = struct{}{}
			owners = append(owners, c.Conn)
		}
	}
	r.mu.Unlock()

	// Close precedes removal: a concurrent lookup may still see the
	// records, but never a removed-and-open resource.
	for _, c := range affected {
		c.Consumer.Close()
	}
	p.Producer.Close()

	r.mu.Lock()
	delete(r.producers, producerID)
	for _, c := range affected {
		delete(r.consumers, c.ID)
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.resources").Str("producer", producerID).
		Int("consumers", len(affected)).Msg("producer cascade closed")
	return owners
}

// RemoveAllForConnection closes and then removes every remaining
// resource owned by the connection: consumers, producers, transports in
// that order. Producers are expected to have been cascaded first so
// their consumers' owners could be notified; any leftover is closed
// here all the same.
func (r *Resources) RemoveAllForConnection(conn domain.ConnID) {
	r.mu.Lock()
	var closers []core.Closeable
	var consumerIDs, producerIDs, transportIDs []string
	for id, c := range r.consumers {
		if c.Conn == conn && !c.claimed {
			c.claimed = true
			consumerIDs = append(consumerIDs, id)
			closers = append(closers, c.Consumer)
		}
	}
	for id, p := range r.producers {
		if p.Conn == conn && !p.claimed {
			p.claimed = true
			producerIDs = append(producerIDs, id)
			closers = append(closers, p.Producer)
		}
	}
	for id, t := range r.transports {
		if t.Conn == conn {
			transportIDs = append(transportIDs, id)
			closers = append(closers, t.Transport)
		}
	}
	r.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}

	r.mu.Lock()
	for _, id := range consumerIDs {
		delete(r.consumers, id)
	}
	for _, id := range producerIDs {
		delete(r.producers, id)
	}
	for _, id := range transportIDs {
		delete(r.transports, id)
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.resources").Str("conn", string(conn)).
		Int("closed", len(closers)).Msg("connection resources removed")
}
