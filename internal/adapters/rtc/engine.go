// Package rtc implements the media-routing engine on top of pion's
// ORTC-style API: one ICE/DTLS transport pair per signaled transport,
// an RTPReceiver per producer and an RTPSender per consumer, with RTP
// fan-out from producer tracks to consumer tracks.
package rtc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/config"
	"github.com/provigil/proctor/internal/core"
)

// Engine is the in-process media engine.
type Engine struct {
	api  *webrtc.API
	caps json.RawMessage

	diedOnce sync.Once
	onDied   func(error)
}

// codecCapabilities is the descriptor advertised to joining clients.
type codecCapability struct {
	Kind      string         `json:"kind"`
	MimeType  string         `json:"mimeType"`
	ClockRate uint32         `json:"clockRate"`
	Channels  uint16         `json:"channels,omitempty"`
	Params    map[string]any `json:"parameters,omitempty"`
}

func NewEngine(cfg config.RTCConfig) (*Engine, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetLite(true)
	if cfg.PortMin > 0 && cfg.PortMax >= cfg.PortMin {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, err
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	caps, err := json.Marshal(struct {
		Codecs []codecCapability `json:"codecs"`
	}{Codecs: []codecCapability{
		{Kind: "audio", MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
			Params: map[string]any{"x-google-start-bitrate": 1000}},
	}})
	if err != nil {
		return nil, err
	}

	return &Engine{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(se)),
		caps: caps,
	}, nil
}

// CreateRouter allocates a routing context for one room.
func (e *Engine) CreateRouter(_ context.Context) (core.Router, error) {
	r := &router{
		id:        uuid.NewString(),
		engine:    e,
		producers: make(map[string]*producer),
	}
	log.Info().Str("module", "rtc").Str("router", r.id).Msg("router created")
	return r, nil
}

// OnDied registers the fatal-failure callback. The in-process engine
// reports death when it can no longer allocate its UDP sockets.
func (e *Engine) OnDied(fn func(err error)) { e.onDied = fn }

func (e *Engine) fatal(err error) {
	e.diedOnce.Do(func() {
		log.Error().Err(err).Str("module", "rtc").Msg("engine fatal failure")
		if e.onDied != nil {
			e.onDied(err)
		}
	})
}
