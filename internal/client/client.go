// SPDX-License-Identifier: MIT
//
// Package client wires the session, the two audio pipelines, the frame
// path and the catalog into one streaming client.
//
//	mic -> Capture -> Encoder -> Session -> peer
//	peer -> Session -> Classify -> Playback | events.Bus
package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"wearstream/internal/audio"
	"wearstream/internal/catalog"
	"wearstream/internal/config"
	"wearstream/internal/encoder"
	"wearstream/internal/events"
	"wearstream/internal/log"
	"wearstream/internal/media"
	"wearstream/internal/metrics"
	"wearstream/internal/protocol"
	"wearstream/internal/session"
)

// Deps are the hardware and network seams. Sources and Sinks are required.
type Deps struct {
	Sources    audio.SourceFactory
	Sinks      audio.SinkFactory
	Permission func() bool           // optional, defaults to granted
	Dialer     session.Dialer        // optional, defaults to gorilla/websocket
	Catalog    catalog.ClientFactory // optional, defaults to net/http
	Tap        audio.TapFactory      // optional, overrides cfg.Recording
}

// Client is one streaming client.
type Client struct {
	cfg *config.Config

	bus      *events.Bus
	session  *session.Session
	encoder  *encoder.Encoder
	capture  *audio.Capture
	playback *audio.Playback
	catalog  *catalog.Catalog
	preparer *media.Preparer
	limiter  *media.Limiter

	processor atomic.Int64
}

// New builds an idle client. Nothing touches the network or the audio
// devices until Connect and StartRecording.
func New(cfg *config.Config, deps Deps) *Client {
	c := &Client{
		cfg:      cfg,
		bus:      events.NewBus(),
		preparer: media.NewPreparer(cfg.Media),
		limiter:  media.NewLimiter(cfg.Media.FPS),
	}
	c.processor.Store(int64(cfg.Session.Processor))

	sessionOpts := []session.Option{session.WithHandler(c.dispatch)}
	if deps.Dialer != nil {
		sessionOpts = append(sessionOpts, session.WithDialer(deps.Dialer))
	}
	c.session = session.New(cfg.Session, sessionOpts...)
	c.session.Subscribe(c.onState)
	metrics.SetSessionState(session.Disconnected.String())

	c.encoder = encoder.New(c.session)

	captureOpts := []audio.CaptureOption{
		audio.WithBufferBytes(cfg.Audio.FramesPerBuffer * audio.BytesPerSample),
		audio.OnStopped(func() { c.encoder.SendAudioStop() }),
	}
	if deps.Permission != nil {
		captureOpts = append(captureOpts, audio.WithPermission(deps.Permission))
	}
	switch {
	case deps.Tap != nil:
		captureOpts = append(captureOpts, audio.WithTap(deps.Tap))
	case cfg.Recording.Enabled:
		captureOpts = append(captureOpts, audio.WithTap(audio.NewRecorderFactory(cfg.Recording.OutputDir, c.Format())))
	}
	c.capture = audio.NewCapture(deps.Sources, captureOpts...)

	c.playback = audio.NewPlayback(deps.Sinks, cfg.Audio.PlaybackGrace)

	catalogClients := deps.Catalog
	if catalogClients == nil {
		catalogClients = catalog.DefaultClientFactory(cfg.Session.CatalogTimeout)
	}
	c.catalog = catalog.New(catalogClients)

	return c
}

// Format is the PCM format of both pipelines.
func (c *Client) Format() audio.Format {
	return audio.Format{SampleRate: int(c.cfg.Audio.SampleRate), Channels: config.DefaultChannels}
}

// Bus returns the event bus. Subscribe before Connect to see every event.
func (c *Client) Bus() *events.Bus { return c.bus }

// State returns the session state.
func (c *Client) State() session.State { return c.session.State() }

// Processor returns the processor attached to outgoing frames.
func (c *Client) Processor() int { return int(c.processor.Load()) }

// SetProcessor changes the processor attached to subsequent frames.
func (c *Client) SetProcessor(id int) {
	if old := c.processor.Swap(int64(id)); old != int64(id) {
		log.Infof("Client: processor %d -> %d", old, id)
	}
}

// IsRecording reports whether the capture loop runs.
func (c *Client) IsRecording() bool { return c.capture.IsRecording() }

// IsPlaying reports whether the playback drain loop runs.
func (c *Client) IsPlaying() bool { return c.playback.IsPlaying() }

// Connect opens the session to the configured address.
func (c *Client) Connect(ctx context.Context) bool {
	return c.session.Connect(ctx, c.cfg.Session.Address)
}

// StartRecording starts streaming microphone audio to the peer.
func (c *Client) StartRecording() bool {
	return c.capture.StartRecording(func(pcm []byte) {
		c.encoder.SendAudio(pcm)
	})
}

// StopRecording ends the capture loop; the peer is told with AudioStop.
func (c *Client) StopRecording() {
	c.capture.StopRecording()
}

// SendFrame prepares raw (JPEG, PNG or WebP) and sends it unless the frame
// budget is spent, in which case the frame is dropped.
func (c *Client) SendFrame(raw []byte) bool {
	if !c.limiter.Allow() {
		return false
	}
	return c.sendPrepared(raw)
}

// SendFrameWait waits for the frame budget and then sends raw.
func (c *Client) SendFrameWait(ctx context.Context, raw []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if !c.sendPrepared(raw) {
		return fmt.Errorf("frame not sent (session %s)", c.session.State())
	}
	return nil
}

func (c *Client) sendPrepared(raw []byte) bool {
	frame, err := c.preparer.Prepare(raw)
	if err != nil {
		log.Warnf("Client: dropping frame: %v", err)
		return false
	}
	return c.encoder.SendFrame(frame.JPEG, c.Processor())
}

// RefreshCatalog fetches the processor list for the configured address
// and publishes it on success.
func (c *Client) RefreshCatalog(ctx context.Context) ([]protocol.ProcessorDescriptor, error) {
	list, err := c.catalog.Fetch(ctx, c.cfg.Session.Address)
	if err != nil {
		return nil, err
	}
	c.bus.Publish(events.CatalogUpdated, list)
	return list, nil
}

// Processors returns the last fetched catalog.
func (c *Client) Processors() []protocol.ProcessorDescriptor {
	return c.catalog.Processors()
}

// Close stops capture while the session can still carry AudioStop, then
// disconnects so no more chunks are dispatched, then stops playback.
func (c *Client) Close() {
	c.capture.StopRecording()
	c.session.Disconnect()
	c.playback.StopPlayback()
}

// dispatch runs on the session's read goroutine, once per inbound message
// in arrival order.
func (c *Client) dispatch(data []byte) {
	ev, err := protocol.Classify(data)
	if err != nil {
		log.Warnf("Client: dropping message: %v", err)
		metrics.RecordInbound("decode_error")
		return
	}

	switch ev := ev.(type) {
	case nil:
		log.Debugf("Client: unrecognized message dropped")
		metrics.RecordInbound("dropped")
		return
	case protocol.AudioPlayback:
		c.playback.HandleChunk(ev)
		metrics.RecordInbound("audio_playback")
	case protocol.SetProcessor:
		log.Infof("Client: peer set processor %d (%s)", ev.ID, ev.Reason)
		c.SetProcessor(ev.ID)
		c.bus.Publish(events.ProcessorSet, ev)
		metrics.RecordInbound("set_processor")
	case protocol.AudioStatus:
		log.Infof("Client: %s (session %s)", ev.Status, ev.SessionID)
		c.bus.Publish(events.AudioStatus, ev)
		metrics.RecordInbound("audio_status")
	case protocol.Error:
		log.Warnf("Client: peer error: %s", ev.Message)
		c.bus.Publish(events.PeerError, ev)
		metrics.RecordInbound("error")
	case protocol.MediaResult:
		c.bus.Publish(events.MediaResult, ev)
		metrics.RecordInbound("media_result")
	case protocol.Status:
		log.Infof("Client: status %s", ev.Message)
		c.bus.Publish(events.Status, ev)
		metrics.RecordInbound("status")
	}
}

func (c *Client) onState(st session.State) {
	metrics.SetSessionState(st.Kind.String())
	c.bus.Publish(events.SessionState, st)
}
