// Package proactive initiates follow-up turns during long silences.
//
// A per-connection loop wakes on a silence ticker and, when the dialogue has
// had at least one interaction, the silence and cooldown windows have both
// elapsed, and the sink is idle, composes a short follow-up weighted toward
// the interests the user has shown. The composed text runs through the same
// synthesis path as a normal assistant turn.
package proactive

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/echobridge/echobridge/internal/dialogue"
	"github.com/echobridge/echobridge/internal/observe"
)

const (
	defaultSilence         = 60 * time.Second
	defaultCooldown        = 5 * time.Minute
	defaultMinInteractions = 1
	recentTextWindow       = 10
)

// interestKeywords map topic tags to the words that signal them in recent
// user turns.
var interestKeywords = map[string][]string{
	"music":      {"音乐", "歌", "唱", "听歌", "歌手", "旋律"},
	"news":       {"新闻", "时事", "消息", "最近发生"},
	"weather":    {"天气", "下雨", "温度", "晴", "冷", "热", "刮风"},
	"technology": {"科技", "手机", "电脑", "人工智能", "编程", "软件"},
	"life":       {"吃", "喝", "睡", "工作", "学习", "朋友", "家里"},
}

// TopInterest scores recent user texts against the keyword map, boosting the
// role's configured interests, and returns the best topic. Defaults to
// "life" when nothing matched.
func TopInterest(texts []string, boost []string) string {
	scores := map[string]int{}
	for _, text := range texts {
		for topic, words := range interestKeywords {
			for _, w := range words {
				if strings.Contains(text, w) {
					scores[topic]++
				}
			}
		}
	}
	for _, topic := range boost {
		if _, ok := interestKeywords[topic]; ok {
			scores[topic]++
		}
	}

	best, bestScore := "life", 0
	for topic, score := range scores {
		if score > bestScore || (score == bestScore && topic < best && score > 0) {
			best, bestScore = topic, score
		}
	}
	return best
}

// Composer produces the follow-up text for a topic.
type Composer interface {
	Compose(ctx context.Context, topic string, recent []string) (string, error)
}

// Loop is the per-connection proactive scheduler.
type Loop struct {
	logger          *slog.Logger
	metrics         *observe.Metrics
	dialogue        *dialogue.Dialogue
	composer        Composer
	idle            func() bool
	speak           func(ctx context.Context, text string) error
	interests       []string
	silence         time.Duration
	cooldown        time.Duration
	minInteractions int
	now             func() time.Time

	mu        sync.Mutex
	lastFired time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// Option is a functional option for Loop.
type Option func(*Loop)

// WithSilence sets the silence threshold and ticker interval. Default: 60 s.
func WithSilence(d time.Duration) Option {
	return func(l *Loop) { l.silence = d }
}

// WithCooldown sets the minimum gap between proactive turns. Default: 5 min.
func WithCooldown(d time.Duration) Option {
	return func(l *Loop) { l.cooldown = d }
}

// WithMinInteractions sets how many user turns must have happened before the
// loop may fire. Default: 1.
func WithMinInteractions(n int) Option {
	return func(l *Loop) { l.minInteractions = n }
}

// WithInterests boosts the given topics when scoring.
func WithInterests(topics []string) Option {
	return func(l *Loop) { l.interests = topics }
}

// WithLogger sets the loop logger. Defaults to slog.Default.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) { l.logger = lg }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithMetrics installs the fired-turn counter.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// New creates a loop. idle reports whether the connection can take a
// proactive turn right now; speak runs the composed text through the
// connection's synthesis path.
func New(d *dialogue.Dialogue, composer Composer, idle func() bool, speak func(ctx context.Context, text string) error, opts ...Option) *Loop {
	l := &Loop{
		logger:          slog.Default(),
		dialogue:        d,
		composer:        composer,
		idle:            idle,
		speak:           speak,
		silence:         defaultSilence,
		cooldown:        defaultCooldown,
		minInteractions: defaultMinInteractions,
		now:             time.Now,
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start launches the ticker goroutine. ctx bounds the composed turns.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.silence)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Check(ctx)
			}
		}
	}()
}

// Stop halts the ticker. Safe to call more than once is not required; the
// session calls it exactly once on teardown.
func (l *Loop) Stop() {
	close(l.done)
	l.wg.Wait()
}

// Check evaluates the firing conditions and runs one proactive turn when
// they all hold. Exported so tests can drive the loop without the ticker.
func (l *Loop) Check(ctx context.Context) {
	if !l.shouldFire() {
		return
	}

	recent := l.dialogue.RecentUserTexts(recentTextWindow)
	topic := TopInterest(recent, l.interests)
	text, err := l.composer.Compose(ctx, topic, recent)
	if err != nil {
		l.logger.Warn("proactive compose failed", "topic", topic, "error", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	l.mu.Lock()
	l.lastFired = l.now()
	l.mu.Unlock()

	l.logger.Info("initiating proactive turn", "topic", topic)
	if err := l.speak(ctx, text); err != nil {
		l.logger.Warn("proactive turn failed", "error", err)
		return
	}
	if l.metrics != nil {
		l.metrics.RecordTurn(ctx, "proactive")
	}
}

func (l *Loop) shouldFire() bool {
	if l.dialogue.TurnCount() < l.minInteractions {
		return false
	}
	now := l.now()
	if now.Sub(l.dialogue.LastActivity()) < l.silence {
		return false
	}
	l.mu.Lock()
	last := l.lastFired
	l.mu.Unlock()
	if !last.IsZero() && now.Sub(last) < l.cooldown {
		return false
	}
	return l.idle()
}

// cannedLines are the fallback follow-ups per topic.
var cannedLines = map[string][]string{
	"music":      {"刚才聊到音乐，我突然想到一首很好听的歌，要不要我给你讲讲它的故事？", "好久没听你说喜欢的歌了，最近有什么单曲循环吗？"},
	"news":       {"对了，想听听最近有什么新鲜事吗？", "我们好一会儿没说话了，要不要聊聊最近的见闻？"},
	"weather":    {"不知道你那边现在天气怎么样，出门记得看看天哦。", "这样的天气适合喝点热的，你觉得呢？"},
	"technology": {"我最近对新科技还挺好奇的，你有什么想聊的数码话题吗？", "说起来，你平时用手机最常做什么呀？"},
	"life":       {"我们好一会儿没聊天了，今天过得怎么样？", "在忙什么呢？休息一下陪我聊聊吧。"},
}

// Canned composes follow-ups from a fixed per-topic line set.
type Canned struct {
	// Rand picks the line; defaults to the global source.
	Rand *rand.Rand
}

// Compose returns a canned line for the topic.
func (c *Canned) Compose(_ context.Context, topic string, _ []string) (string, error) {
	lines, ok := cannedLines[topic]
	if !ok {
		lines = cannedLines["life"]
	}
	if c.Rand != nil {
		return lines[c.Rand.Intn(len(lines))], nil
	}
	return lines[rand.Intn(len(lines))], nil
}
