// Package pipeline turns one completed utterance into one dialogue turn.
//
// The stages mirror the voice path: parallel transcription and speaker
// identification, the intent gate, the downlink turn prelude, the response
// streamer, and an asynchronous memory write. While a run is active the
// connection stops accepting new utterances; barge-in aborts the run
// through the shared abort flag rather than through this package.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/echobridge/echobridge/internal/dialogue"
	"github.com/echobridge/echobridge/internal/observe"
	"github.com/echobridge/echobridge/internal/respond"
	"github.com/echobridge/echobridge/internal/tools"
	"github.com/echobridge/echobridge/pkg/memory"
	"github.com/echobridge/echobridge/pkg/provider/asr"
	"github.com/echobridge/echobridge/pkg/provider/intent"
	"github.com/echobridge/echobridge/pkg/provider/voiceprint"
	"github.com/echobridge/echobridge/pkg/types"
)

const defaultVoiceprintTimeout = 2 * time.Second

// Messenger is the downlink surface the pipeline writes the turn prelude
// through.
type Messenger interface {
	STT(ctx context.Context, text string) error
	Emotion(ctx context.Context, emoji, emotion string) error
	TTSState(ctx context.Context, state, text string) error
}

// Streamer runs the LLM round. *respond.Streamer implements it.
type Streamer interface {
	Stream(ctx context.Context, d *dialogue.Dialogue, memoryDigest string, inv tools.Invocation) (respond.Turn, error)
}

// Sink is the turn bookkeeping surface of the audio sink.
type Sink interface {
	BeginTurn()
	FinishTurn(lastIndex int)
}

// Hooks are the session callbacks a turn may trigger.
type Hooks struct {
	// Speak runs one direct sink-bracketed utterance, used for intent
	// replies that bypass the LLM.
	Speak func(ctx context.Context, text string) error

	// OnExit asks the session to close once playback drains.
	OnExit func()

	// OnCommand executes a recognized device command.
	OnCommand func(ctx context.Context, command string) error
}

// Pipeline drives the per-utterance stages for one connection.
type Pipeline struct {
	sessionID string
	asr       asr.Provider
	prints    voiceprint.Identifier
	intents   intent.Recognizer
	memory    memory.Store
	dialogue  *dialogue.Dialogue
	messenger Messenger
	streamer  Streamer
	sink      Sink
	hooks     Hooks
	logger    *slog.Logger
	metrics   *observe.Metrics

	voiceprintTimeout time.Duration
	active            atomic.Bool
}

// Option is a functional option for Pipeline.
type Option func(*Pipeline)

// WithVoiceprintTimeout bounds speaker identification. Default: 2 s.
func WithVoiceprintTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.voiceprintTimeout = d }
}

// WithLogger sets the pipeline logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics installs turn and transcription instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Config bundles the pipeline collaborators.
type Config struct {
	SessionID  string
	ASR        asr.Provider
	Voiceprint voiceprint.Identifier
	Intents    intent.Recognizer
	Memory     memory.Store
	Dialogue   *dialogue.Dialogue
	Messenger  Messenger
	Streamer   Streamer
	Sink       Sink
	Hooks      Hooks
}

// New creates a pipeline for one connection.
func New(cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		sessionID:         cfg.SessionID,
		asr:               cfg.ASR,
		prints:            cfg.Voiceprint,
		intents:           cfg.Intents,
		memory:            cfg.Memory,
		dialogue:          cfg.Dialogue,
		messenger:         cfg.Messenger,
		streamer:          cfg.Streamer,
		sink:              cfg.Sink,
		hooks:             cfg.Hooks,
		logger:            slog.Default(),
		voiceprintTimeout: defaultVoiceprintTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Active reports whether a turn is in flight. The read loop drops new
// utterances while true.
func (p *Pipeline) Active() bool { return p.active.Load() }

// Run processes one utterance end to end. A nil error with no side effects
// means the utterance was empty and listening re-armed.
func (p *Pipeline) Run(ctx context.Context, utt *types.Utterance) error {
	if !p.active.CompareAndSwap(false, true) {
		p.logger.Warn("utterance dropped, turn already active", "session_id", p.sessionID)
		return nil
	}
	defer p.active.Store(false)
	defer p.recordTurn(ctx, "voice", time.Now())
	ctx, span := observe.StartSpan(ctx, "turn.voice")
	defer span.End()

	text, speaker, err := p.recognize(ctx, utt)
	if err != nil {
		return err
	}
	if text == "" {
		p.logger.Debug("empty transcript, re-arming", "session_id", p.sessionID)
		return nil
	}
	p.logger.Info("utterance transcribed",
		"session_id", p.sessionID, "speaker", speaker, "chars", len([]rune(text)))

	handled, err := p.checkIntent(ctx, text, speaker)
	if err != nil || handled {
		return err
	}

	return p.chat(ctx, text, speaker)
}

// RunText processes a turn whose text arrived without audio, such as a
// wake-word detect message or a scripted greeting. The intent gate and the
// full chat path still apply; speaker attribution is empty.
func (p *Pipeline) RunText(ctx context.Context, text string) error {
	if !p.active.CompareAndSwap(false, true) {
		p.logger.Warn("text turn dropped, turn already active", "session_id", p.sessionID)
		return nil
	}
	defer p.active.Store(false)
	defer p.recordTurn(ctx, "text", time.Now())
	ctx, span := observe.StartSpan(ctx, "turn.text")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	handled, err := p.checkIntent(ctx, text, "")
	if err != nil || handled {
		return err
	}
	return p.chat(ctx, text, "")
}

// recognize runs ASR and speaker identification in parallel. Speaker
// identification failures and timeouts leave the turn unattributed.
func (p *Pipeline) recognize(ctx context.Context, utt *types.Utterance) (string, string, error) {
	var (
		result asr.Result
		match  types.SpeakerMatch
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sctx, span := observe.StartSpan(gctx, "asr.transcribe")
		defer span.End()
		start := time.Now()
		var err error
		result, err = p.asr.Transcribe(sctx, utt.PCM)
		if p.metrics != nil {
			p.metrics.ASRDuration.Record(gctx, time.Since(start).Seconds())
			if err != nil {
				p.metrics.RecordProviderError(gctx, "asr", "transcribe")
			}
		}
		if err != nil {
			return fmt.Errorf("pipeline: transcribe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if p.prints == nil {
			return nil
		}
		vctx, cancel := context.WithTimeout(gctx, p.voiceprintTimeout)
		defer cancel()
		m, err := p.prints.Identify(vctx, utt.PCM)
		if err != nil {
			p.logger.Warn("speaker identification failed", "session_id", p.sessionID, "error", err)
			return nil
		}
		match = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(result.Text), match.Name, nil
}

// checkIntent short-circuits the turn for exit and device commands.
func (p *Pipeline) checkIntent(ctx context.Context, text, speaker string) (bool, error) {
	if p.intents == nil {
		return false, nil
	}
	res, err := p.intents.Recognize(ctx, text)
	if err != nil {
		p.logger.Warn("intent recognition failed", "session_id", p.sessionID, "error", err)
		return false, nil
	}
	if !res.Handled() {
		return false, nil
	}

	p.dialogue.Put(types.Message{Role: "user", Content: text})
	if res.Reply != "" {
		p.dialogue.Put(types.Message{Role: "assistant", Content: res.Reply})
		if p.hooks.Speak != nil {
			if err := p.hooks.Speak(ctx, res.Reply); err != nil {
				return true, fmt.Errorf("pipeline: intent reply: %w", err)
			}
		}
	}
	switch res.Kind {
	case intent.KindExit:
		p.logger.Info("exit intent recognized", "session_id", p.sessionID)
		if p.hooks.OnExit != nil {
			p.hooks.OnExit()
		}
	case intent.KindCommand:
		if p.hooks.OnCommand != nil {
			if err := p.hooks.OnCommand(ctx, res.Command); err != nil {
				p.logger.Warn("device command failed",
					"session_id", p.sessionID, "command", res.Command, "error", err)
			}
		}
	}
	return true, nil
}

// chat runs the full LLM turn: downlink prelude, streamer, memory write.
func (p *Pipeline) chat(ctx context.Context, text, speaker string) error {
	digest := ""
	if p.memory != nil {
		d, err := p.memory.Digest(ctx, text)
		if err != nil {
			p.logger.Warn("memory digest failed", "session_id", p.sessionID, "error", err)
		} else {
			digest = d
		}
	}

	if err := p.messenger.STT(ctx, respond.CleanText(text)); err != nil {
		return fmt.Errorf("pipeline: stt message: %w", err)
	}
	if err := p.messenger.Emotion(ctx, "😊", "happy"); err != nil {
		return fmt.Errorf("pipeline: emotion message: %w", err)
	}
	if err := p.messenger.TTSState(ctx, "start", ""); err != nil {
		return fmt.Errorf("pipeline: tts start: %w", err)
	}

	p.dialogue.Put(types.Message{Role: "user", Content: text})
	p.sink.BeginTurn()
	turn, err := p.streamer.Stream(ctx, p.dialogue, digest, tools.Invocation{SessionID: p.sessionID, Speaker: speaker})
	p.sink.FinishTurn(turn.LastIndex)
	if err != nil {
		return fmt.Errorf("pipeline: stream turn: %w", err)
	}

	p.storeExchange(text, speaker)
	return nil
}

// storeExchange appends the raw exchange to the memory store off the turn
// path.
func (p *Pipeline) storeExchange(userText, speaker string) {
	if p.memory == nil {
		return
	}
	assistant := lastAssistantText(p.dialogue)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.memory.AddExchange(ctx, userText, assistant, speaker); err != nil {
			p.logger.Warn("memory write failed", "session_id", p.sessionID, "error", err)
		}
	}()
}

// recordTurn observes one finished turn. No-op without metrics.
func (p *Pipeline) recordTurn(ctx context.Context, origin string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	p.metrics.RecordTurn(ctx, origin)
}

func lastAssistantText(d *dialogue.Dialogue) string {
	hist := d.History()
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Role == "assistant" && hist[i].Content != "" {
			return hist[i].Content
		}
	}
	return ""
}
