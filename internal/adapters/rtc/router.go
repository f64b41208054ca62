package rtc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/core"
)

// router is one room's routing context. It tracks the producers
// available for consumption inside the room.
type router struct {
	id     string
	engine *Engine

	mu        sync.RWMutex
	producers map[string]*producer
	closed    bool
}

func (r *router) ID() string { return r.id }

func (r *router) Capabilities() json.RawMessage { return r.engine.caps }

func (r *router) CreateTransport(ctx context.Context) (core.Transport, core.TransportInfo, error) {
	gatherer, err := r.engine.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, core.TransportInfo{}, err
	}

	ice := r.engine.api.NewICETransport(gatherer)
	dtls, err := r.engine.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, core.TransportInfo{}, err
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		// Socket allocation failed; the engine cannot route media.
		r.engine.fatal(err)
		return nil, core.TransportInfo{}, err
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		return nil, core.TransportInfo{}, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, core.TransportInfo{}, err
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, core.TransportInfo{}, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, core.TransportInfo{}, err
	}

	t := &transport{
		id:       uuid.NewString(),
		router:   r,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		if state == webrtc.DTLSTransportStateClosed || state == webrtc.DTLSTransportStateFailed {
			t.fireDTLSClosed()
		}
	})

	info := core.TransportInfo{ID: t.id}
	if info.ICEParameters, err = json.Marshal(iceParams); err != nil {
		return nil, core.TransportInfo{}, err
	}
	if info.ICECandidates, err = json.Marshal(candidates); err != nil {
		return nil, core.TransportInfo{}, err
	}
	if info.DTLSParameters, err = json.Marshal(dtlsParams); err != nil {
		return nil, core.TransportInfo{}, err
	}

	log.Info().Str("module", "rtc").Str("router", r.id).Str("transport", t.id).Msg("transport created")
	return t, info, nil
}

// CanConsume reports whether the client's capabilities cover the
// producer's codec.
func (r *router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	var caps struct {
		Codecs []struct {
			MimeType string `json:"mimeType"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, p.codec.MimeType) {
			return true
		}
	}
	return false
}

func (r *router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	producers := make([]*producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	log.Info().Str("module", "rtc").Str("router", r.id).Msg("router closed")
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *router) producerByID(id string) (*producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}
