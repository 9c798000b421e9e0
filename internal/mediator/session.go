package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/internal/resilience"
	"github.com/visage-ai/visage/pkg/provider/video"
	"github.com/visage-ai/visage/pkg/provider/voice"
	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// eventType discriminates events arriving on the session's single channel.
type eventType int

const (
	evClientFrame eventType = iota
	evClientGone
	evVoice
	evVoiceGone
	evVideoReady
	evVideoFrame
	evVideoGone
	evTurnDone
)

// event is one unit of work for the session loop. Exactly one payload field
// is meaningful per type.
type event struct {
	typ eventType

	data  []byte      // evClientFrame, evVideoFrame
	voice voice.Event // evVoice
	text  string      // evTurnDone
	err   error       // evClientGone, evVoiceGone, evVideoGone, evTurnDone
}

// session is the state of one mediated conversation. All fields below the
// channel are owned by the event loop.
type session struct {
	m        *Mediator
	id       string
	p        Params
	av       store.Avatar
	language string
	client   ClientConn

	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	voice voice.Stream
	video video.Stream

	state      types.SessionStatus
	voiceReady bool
	videoReady bool

	turnActive bool
	pending    []string
	transcript []types.TranscriptEntry

	startedAt time.Time
	readyAt   time.Time
	failure   error
}

// run owns the session from upstream dialing to teardown. Teardown executes
// on every exit path, a panicking loop included.
func (s *session) run() error {
	s.startedAt = s.m.now()
	s.m.metrics.ActiveSessions.Add(s.ctx, 1, kindAttr(s.p.Kind))

	defer s.teardown()
	defer func() {
		if r := recover(); r != nil {
			s.failure = fmt.Errorf("session panic: %v", r)
		}
	}()

	s.send(serverMessage{Type: msgConnecting})

	if err := s.dialUpstreams(); err != nil {
		s.fail(err)
		return s.failure
	}

	go s.readClient()
	go s.readVoice()
	if s.video != nil {
		go s.readVideo()
	}

	s.loop()
	return s.failure
}

// dialUpstreams opens the voice link and, for video sessions, provisions and
// opens the video link.
func (s *session) dialUpstreams() error {
	cloneURL := s.av.VoiceSampleURL
	if s.p.VoiceURL != "" {
		cloneURL = s.p.VoiceURL
	}
	vs, err := s.m.voiceDial.DialStream(s.ctx, voice.StreamInit{
		UserID:        s.p.OwnerID,
		AvatarID:      s.p.AvatarID,
		VoiceCloneURL: cloneURL,
		Language:      s.language,
	})
	if err != nil {
		return fmt.Errorf("open voice link: %w", err)
	}
	s.voice = vs

	if s.p.Kind != types.SessionVideo {
		return nil
	}
	if err := s.m.videoSessions.InitStream(s.ctx, s.id, s.av.ImageURL); err != nil {
		return fmt.Errorf("provision video session: %w", err)
	}
	ws, err := s.m.videoDial.DialStream(s.ctx, s.id)
	if err != nil {
		return fmt.Errorf("open video link: %w", err)
	}
	s.video = ws
	return nil
}

// loop consumes events until a terminal condition. It is the only writer of
// session state.
func (s *session) loop() {
	timeout := VoiceReadyTimeout
	if s.p.Kind == types.SessionVideo {
		timeout = VideoReadyTimeout
	}
	if s.m.readyTimeout > 0 {
		timeout = s.m.readyTimeout
	}
	watchdog := time.NewTimer(timeout)
	defer watchdog.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.fail(s.ctx.Err())
			return
		case <-watchdog.C:
			if s.state == types.SessionConnecting {
				s.fail(errors.New("upstream readiness timeout"))
				return
			}
		case ev := <-s.events:
			if done := s.handle(ev, watchdog); done {
				return
			}
		}
	}
}

// handle processes one event; true means the loop must exit.
func (s *session) handle(ev event, watchdog *time.Timer) bool {
	switch ev.typ {
	case evClientFrame:
		return s.handleClientFrame(ev.data)
	case evClientGone:
		// A client hang-up is the clean end of the session.
		return true
	case evVoice:
		return s.handleVoiceEvent(ev.voice, watchdog)
	case evVoiceGone:
		s.fail(wrapGone("voice link lost", ev.err))
		return true
	case evVideoReady:
		s.videoReady = true
		s.maybeReady(watchdog)
		return false
	case evVideoFrame:
		s.sendBinary(FrameVideo, ev.data)
		return false
	case evVideoGone:
		s.fail(wrapGone("video link lost", ev.err))
		return true
	case evTurnDone:
		return s.handleTurnDone(ev)
	}
	return false
}

func (s *session) handleClientFrame(data []byte) bool {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(serverMessage{Type: msgSystem, Message: "malformed message"})
		return false
	}

	switch msg.Type {
	case msgUserText:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return false
		}
		if s.state == types.SessionConnecting {
			s.send(serverMessage{Type: msgSystem, Message: "session is still connecting"})
			return false
		}
		s.state = types.SessionActive
		s.transcript = append(s.transcript, types.TranscriptEntry{Role: types.RoleUser, Text: text})
		if s.turnActive {
			s.pending = append(s.pending, text)
			return false
		}
		s.startTurn(text)
	case msgStopSpeaking:
		// Barge-in: interrupt the utterance on both upstreams and tell the
		// client right away, without waiting for acks.
		if err := s.voice.StopSpeaking(); err != nil {
			observe.Logger(s.ctx).Warn("failed to forward barge-in to voice link", "session_id", s.id, "error", err)
		}
		if s.video != nil {
			if err := s.video.Interrupt(); err != nil {
				observe.Logger(s.ctx).Warn("failed to forward barge-in to video link", "session_id", s.id, "error", err)
			}
		}
		s.send(serverMessage{Type: msgSpeechEnd})
	default:
		s.send(serverMessage{Type: msgSystem, Message: "unsupported message type"})
	}
	return false
}

// startTurn runs the LLM call off-loop; the reply comes back as an event so
// state stays single-threaded.
func (s *session) startTurn(text string) {
	s.turnActive = true
	go func() {
		var reply string
		err := s.m.llmBreaker.Execute(func() error {
			var gerr error
			reply, gerr = s.m.conv.Generate(s.ctx, s.id, text, s.av.Persona, s.language)
			return gerr
		})
		s.post(event{typ: evTurnDone, text: reply, err: err})
	}()
}

func (s *session) handleTurnDone(ev event) bool {
	s.turnActive = false

	reply := ev.text
	if ev.err != nil {
		observe.Logger(s.ctx).Warn("LLM turn failed", "session_id", s.id, "error", ev.err)
		reply = resilience.CannedReply(s.language)
	}

	if reply != "" {
		s.transcript = append(s.transcript, types.TranscriptEntry{Role: types.RoleModel, Text: reply})
		s.send(serverMessage{Type: msgLLMResponse, Text: reply})
		if err := s.voice.Speak(reply); err != nil {
			s.fail(fmt.Errorf("dispatch speech: %w", err))
			return true
		}
	}

	if len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.startTurn(next)
	}
	return false
}

func (s *session) handleVoiceEvent(ev voice.Event, watchdog *time.Timer) bool {
	switch ev.Type {
	case voice.EventReady:
		s.voiceReady = true
		s.maybeReady(watchdog)
	case voice.EventSpeechStart:
		s.send(serverMessage{Type: msgSpeechStart})
	case voice.EventSpeechEnd:
		s.send(serverMessage{Type: msgSpeechEnd})
	case voice.EventAudio:
		s.sendBinary(FrameAudio, ev.Audio)
		if s.video != nil {
			if err := s.video.Send(ev.Audio); err != nil {
				observe.Logger(s.ctx).Warn("failed to forward audio to video link",
					"session_id", s.id, "error", err)
			}
		}
	case voice.EventError:
		s.fail(errors.New("voice service error: " + ev.Message))
		return true
	}
	return false
}

// maybeReady promotes the session once every required upstream is ready.
func (s *session) maybeReady(watchdog *time.Timer) {
	if s.state != types.SessionConnecting {
		return
	}
	if !s.voiceReady {
		return
	}
	if s.p.Kind == types.SessionVideo && !s.videoReady {
		return
	}
	s.state = types.SessionReady
	s.readyAt = s.m.now()
	watchdog.Stop()
	s.send(serverMessage{Type: msgReady})
}

// ─── reader goroutines ───────────────────────────────────────────────────────

func (s *session) readClient() {
	for {
		data, binary, err := s.client.Read(s.ctx)
		if err != nil {
			s.post(event{typ: evClientGone, err: err})
			return
		}
		if binary {
			// The client speaks JSON only; binary traffic is one-way.
			continue
		}
		s.post(event{typ: evClientFrame, data: data})
	}
}

func (s *session) readVoice() {
	for ev := range s.voice.Events() {
		s.post(event{typ: evVoice, voice: ev})
	}
	s.post(event{typ: evVoiceGone, err: s.voice.Err()})
}

func (s *session) readVideo() {
	// The video link readies itself on connect; there is no handshake frame,
	// so a successfully dialed stream counts as ready.
	s.post(event{typ: evVideoReady})
	for frame := range s.video.Frames() {
		s.post(event{typ: evVideoFrame, data: frame})
	}
	s.post(event{typ: evVideoGone, err: s.video.Err()})
}

// post delivers an event unless the session is already shutting down.
func (s *session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// ─── output helpers ──────────────────────────────────────────────────────────

func (s *session) send(msg serverMessage) {
	if err := s.client.SendJSON(s.ctx, msg); err != nil {
		observe.Logger(s.ctx).Debug("failed to send to client", "session_id", s.id, "error", err)
	}
}

func (s *session) sendBinary(frame byte, payload []byte) {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, frame)
	buf = append(buf, payload...)
	if err := s.client.SendBinary(s.ctx, buf); err != nil {
		observe.Logger(s.ctx).Debug("failed to send frame to client", "session_id", s.id, "error", err)
	}
}

// fail records the terminal cause and tells the client once.
func (s *session) fail(err error) {
	if s.failure != nil || err == nil {
		return
	}
	s.failure = err
	s.send(serverMessage{Type: msgError, Message: err.Error()})
}

// wrapGone classifies a dead upstream link.
func wrapGone(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return errors.New(what)
}

// teardown settles the session exactly once: upstream sockets, video
// provisioning, usage, transcript, row, client socket, LLM history.
func (s *session) teardown() {
	s.cancel()
	ctx := context.WithoutCancel(s.ctx)
	log := observe.Logger(ctx).With("session_id", s.id)

	if s.voice != nil {
		s.voice.Close()
	}
	if s.video != nil {
		s.video.Close()
	}
	if s.p.Kind == types.SessionVideo && s.m.videoSessions != nil {
		if err := s.m.videoSessions.EndStream(ctx, s.id); err != nil {
			log.Warn("failed to end video session", "error", err)
		}
	}

	// The billing clock starts at the ready handshake; a session that never
	// got there costs nothing.
	elapsed := s.m.now().Sub(s.startedAt)
	if !s.readyAt.IsZero() {
		if minutes := s.m.now().Sub(s.readyAt).Minutes(); minutes > 0.1 {
			s.m.usage.Commit(ctx, s.p.OwnerID, types.ResourceConversationMinutes, minutes)
		}
	}

	if len(s.transcript) > 0 {
		if err := s.m.sessions.AppendTranscript(ctx, s.id, s.transcript); err != nil {
			log.Error("failed to persist transcript", "error", err)
		}
	}

	status := types.SessionEnded
	code, reason := CloseNormal, "session ended"
	if s.failure != nil {
		status = types.SessionFailed
		code, reason = CloseInternalError, "session failed"
	}
	if err := s.m.sessions.Finish(ctx, s.id, status, s.m.now()); err != nil {
		log.Error("failed to finish session row", "error", err)
	}
	s.client.Close(code, reason)
	s.m.conv.Drop(s.id)

	s.m.metrics.ActiveSessions.Add(ctx, -1, kindAttr(s.p.Kind))
	s.m.metrics.SessionDuration.Record(ctx, elapsed.Seconds(), kindAttr(s.p.Kind))

	log.Info("session closed", "status", status, "duration_s", elapsed.Seconds())
}

// kindAttr tags a measurement with the session kind.
func kindAttr(k types.SessionKind) metric.MeasurementOption {
	return metric.WithAttributes(observe.Attr("kind", string(k)))
}
