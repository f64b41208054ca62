package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/core"
)

var errMissingICEParameters = errors.New("connect payload carries no iceParameters")

// transport is one ICE/DTLS pair carrying one direction of media for
// one connection.
type transport struct {
	id       string
	router   *router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	closeOnce  sync.Once
	dtlsClosed func()
	dtlsOnce   sync.Once
}

func (t *transport) ID() string { return t.id }

// connectParams is what the client sends to finish transport setup. The
// client bundles its ICE parameters alongside the DTLS ones; the server
// side is ICE-lite and never initiates checks.
type connectParams struct {
	Role          string                   `json:"role,omitempty"`
	Fingerprints  []webrtc.DTLSFingerprint `json:"fingerprints"`
	ICEParameters *webrtc.ICEParameters    `json:"iceParameters,omitempty"`
}

func (t *transport) Connect(_ context.Context, dtlsParameters json.RawMessage) error {
	var p connectParams
	if err := json.Unmarshal(dtlsParameters, &p); err != nil {
		return fmt.Errorf("parse dtls parameters: %w", err)
	}
	if p.ICEParameters == nil {
		return errMissingICEParameters
	}

	iceRole := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, *p.ICEParameters, &iceRole); err != nil {
		return fmt.Errorf("start ice: %w", err)
	}

	role := webrtc.DTLSRoleAuto
	switch p.Role {
	case "client":
		role = webrtc.DTLSRoleClient
	case "server":
		role = webrtc.DTLSRoleServer
	}
	if err := t.dtls.Start(webrtc.DTLSParameters{Role: role, Fingerprints: p.Fingerprints}); err != nil {
		return fmt.Errorf("start dtls: %w", err)
	}
	log.Info().Str("module", "rtc").Str("transport", t.id).Msg("transport connected")
	return nil
}

// producerParams is the subset of the client's rtpParameters the engine
// needs to receive the stream.
type producerParams struct {
	Codecs []struct {
		MimeType    string `json:"mimeType"`
		PayloadType uint8  `json:"payloadType"`
		ClockRate   uint32 `json:"clockRate"`
		Channels    uint16 `json:"channels,omitempty"`
	} `json:"codecs"`
	Encodings []struct {
		SSRC uint32 `json:"ssrc"`
	} `json:"encodings"`
}

func (t *transport) Produce(_ context.Context, kind core.MediaKind, rtpParameters, _ json.RawMessage) (core.Producer, error) {
	var params producerParams
	if err := json.Unmarshal(rtpParameters, &params); err != nil {
		return nil, fmt.Errorf("parse rtp parameters: %w", err)
	}
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 {
		return nil, errors.New("rtp parameters carry no codec or encoding")
	}

	codecType := webrtc.RTPCodecTypeAudio
	if kind == core.KindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}

	receiver, err := t.router.engine.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, err
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(params.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		return nil, err
	}

	p := &producer{
		id:   uuid.NewString(),
		kind: kind,
		codec: webrtc.RTPCodecCapability{
			MimeType:  params.Codecs[0].MimeType,
			ClockRate: params.Codecs[0].ClockRate,
			Channels:  params.Codecs[0].Channels,
		},
		payloadType: webrtc.PayloadType(params.Codecs[0].PayloadType),
		router:      t.router,
		receiver:    receiver,
		outs:        make(map[string]*outTrack),
	}
	t.router.addProducer(p)
	go p.readLoop()

	log.Info().Str("module", "rtc").Str("transport", t.id).
		Str("producer", p.id).Str("kind", string(kind)).Msg("producer created")
	return p, nil
}

func (t *transport) Consume(_ context.Context, producerID string, rtpCapabilities, _ json.RawMessage) (core.Consumer, error) {
	p, ok := t.router.producerByID(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found in router", producerID)
	}

	localTrack, err := webrtc.NewTrackLocalStaticRTP(p.codec, uuid.NewString(), "proctor")
	if err != nil {
		return nil, err
	}
	sender, err := t.router.engine.api.NewRTPSender(localTrack, t.dtls)
	if err != nil {
		return nil, err
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return nil, err
	}

	ssrc := rand.Uint32()
	if encodings := sender.GetParameters().Encodings; len(encodings) > 0 {
		ssrc = uint32(encodings[0].SSRC)
	}

	rtpParams, err := json.Marshal(map[string]any{
		"codecs": []map[string]any{{
			"mimeType":    p.codec.MimeType,
			"payloadType": uint8(p.payloadType),
			"clockRate":   p.codec.ClockRate,
			"channels":    p.codec.Channels,
		}},
		"encodings": []map[string]any{{"ssrc": ssrc}},
	})
	if err != nil {
		return nil, err
	}

	c := &consumer{
		id:        uuid.NewString(),
		kind:      p.kind,
		producer:  p,
		sender:    sender,
		rtpParams: rtpParams,
		out:       newOutTrack(localTrack),
	}
	// Consumers start paused; delivery begins on Resume.
	c.out.markMuted()
	p.addOut(c.id, c.out)

	log.Info().Str("module", "rtc").Str("transport", t.id).
		Str("consumer", c.id).Str("producer", producerID).Msg("consumer created")
	return c, nil
}

func (t *transport) Stats(_ context.Context) (json.RawMessage, error) {
	pair, err := t.ice.GetSelectedCandidatePair()
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"transportId":           t.id,
		"iceState":              t.ice.State().String(),
		"selectedCandidatePair": pair,
	})
}

func (t *transport) OnDTLSClosed(fn func()) { t.dtlsClosed = fn }

func (t *transport) fireDTLSClosed() {
	t.dtlsOnce.Do(func() {
		if t.dtlsClosed != nil {
			t.dtlsClosed()
		}
	})
}

func (t *transport) Close() {
	t.closeOnce.Do(func() {
		if err := t.dtls.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("dtls stop")
		}
		if err := t.ice.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("ice stop")
		}
		log.Info().Str("module", "rtc").Str("transport", t.id).Msg("transport closed")
	})
}

// producer is one inbound stream plus its fan-out to consumer tracks.
// Adapted single-writer loop: only readLoop touches packets, consumers
// flip atomic out-track states.
type producer struct {
	id          string
	kind        core.MediaKind
	codec       webrtc.RTPCodecCapability
	payloadType webrtc.PayloadType
	router      *router
	receiver    *webrtc.RTPReceiver

	mu   sync.RWMutex
	outs map[string]*outTrack

	closeOnce  sync.Once
	closedOnce sync.Once
	onClosed   func()
}

func (p *producer) ID() string           { return p.id }
func (p *producer) Kind() core.MediaKind { return p.kind }

func (p *producer) OnClosed(fn func()) { p.onClosed = fn }

func (p *producer) readLoop() {
	track := p.receiver.Track()
	if track == nil {
		p.streamEnded()
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.streamEnded()
			return
		}
		p.forward(pkt)
	}
}

func (p *producer) forward(pkt *rtp.Packet) {
	p.mu.RLock()
	snapshot := make([]*outTrack, 0, len(p.outs))
	for _, ot := range p.outs {
		snapshot = append(snapshot, ot)
	}
	p.mu.RUnlock()

	for _, ot := range snapshot {
		switch ot.state() {
		case outStateOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				ot.markDelete()
			}
		case outStateMuted, outStateDelete:
		}
	}
}

// streamEnded fires the closed notification exactly once, whether the
// remote stream died or the producer was closed locally.
func (p *producer) streamEnded() {
	p.closedOnce.Do(func() {
		log.Info().Str("module", "rtc").Str("producer", p.id).Msg("producer stream ended")
		if p.onClosed != nil {
			p.onClosed()
		}
	})
}

func (p *producer) Close() {
	p.closeOnce.Do(func() {
		p.router.removeProducer(p.id)
		p.mu.Lock()
		for _, ot := range p.outs {
			ot.markDelete()
		}
		p.outs = make(map[string]*outTrack)
		p.mu.Unlock()
		if err := p.receiver.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("producer", p.id).Msg("receiver stop")
		}
	})
	p.streamEnded()
}

func (p *producer) addOut(id string, ot *outTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outs[id] = ot
}

func (p *producer) removeOut(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.outs, id)
}

// consumer forwards one producer's stream out through one RTPSender.
type consumer struct {
	id        string
	kind      core.MediaKind
	producer  *producer
	sender    *webrtc.RTPSender
	rtpParams json.RawMessage
	out       *outTrack

	closeOnce sync.Once
}

func (c *consumer) ID() string                    { return c.id }
func (c *consumer) Kind() core.MediaKind          { return c.kind }
func (c *consumer) RTPParameters() json.RawMessage { return c.rtpParams }

func (c *consumer) Resume(_ context.Context) error {
	c.out.markOk()
	return nil
}

func (c *consumer) Close() {
	c.closeOnce.Do(func() {
		c.out.markDelete()
		c.producer.removeOut(c.id)
		if err := c.sender.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("consumer", c.id).Msg("sender stop")
		}
	})
}

type outState int32

const (
	outStateOk outState = iota
	outStateMuted
	outStateDelete
)

// outTrack is one outgoing track endpoint with an atomic delivery
// state, flipped by Resume/Close without touching the forward loop.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	st    atomic.Int32
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (o *outTrack) state() outState { return outState(o.st.Load()) }
func (o *outTrack) markOk()         { o.st.Store(int32(outStateOk)) }
func (o *outTrack) markMuted()      { o.st.Store(int32(outStateMuted)) }
func (o *outTrack) markDelete()     { o.st.Store(int32(outStateDelete)) }
