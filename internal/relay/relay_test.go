package relay

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiyundev/agentbridge/internal/bus"
	"github.com/jiyundev/agentbridge/internal/envelope"
	"github.com/jiyundev/agentbridge/internal/injector"
	"github.com/jiyundev/agentbridge/internal/loopguard"
	"github.com/jiyundev/agentbridge/internal/registry"
)

// fakeInjector records every injection.
type fakeInjector struct {
	mu     sync.Mutex
	calls  []injectCall
	output string
	err    error
}

type injectCall struct {
	target  string
	text    string
	session string
}

func (f *fakeInjector) Inject(_ context.Context, target, text, session string) (injector.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, injectCall{target, text, session})
	if f.err != nil {
		return injector.Result{ExitCode: 1}, f.err
	}
	return injector.Result{Output: f.output}, nil
}

func (f *fakeInjector) Calls() []injectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]injectCall(nil), f.calls...)
}

// fakePublisher captures republished payloads.
type fakePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return nil
}

func (f *fakePublisher) Payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

// fakeChat records texts delivered to the destination chat.
type fakeChat struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (f *fakeChat) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, text)
	return nil
}

func (f *fakeChat) Sends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCore(t *testing.T, localID string, specs []registry.AgentSpec, inj injector.Injector, pub Publisher) (*Core, *testClock) {
	t.Helper()
	reg, err := registry.New(specs)
	require.NoError(t, err)

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	gcfg := loopguard.DefaultConfig(localID)
	gcfg.Clock = clock.Now
	guard := loopguard.NewGuard(gcfg)

	core := New(Config{LocalID: localID, Republish: pub != nil}, reg, guard, inj, pub)
	return core, clock
}

func mustEncode(t *testing.T, env envelope.Envelope) []byte {
	t.Helper()
	data, err := envelope.Encode(env)
	require.NoError(t, err)
	return data
}

// Scenario A: a mentioning message triggers one injection carrying the
// depth:1 marker and the original text.
func TestHandle_MentionInjection(t *testing.T) {
	inj := &fakeInjector{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}, Session: "choa-main"}},
		inj, nil)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야 밥 먹었어?", Depth: 0, Kind: envelope.KindMessage,
	}))
	core.Wait()

	calls := inj.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "choa", calls[0].target)
	assert.Equal(t, "choa-main", calls[0].session)
	assert.Contains(t, calls[0].text, "depth:1")
	assert.Contains(t, calls[0].text, "초아야 밥 먹었어?")
	assert.Contains(t, calls[0].text, "sera")

	stats := core.Stats()
	assert.Equal(t, 1, stats.Injections)
	assert.Equal(t, 0, stats.Rejected)
}

// Scenario B: a second mention inside the cooldown window is rejected
// with no injection.
func TestHandle_CooldownRejectsSecondMessage(t *testing.T) {
	inj := &fakeInjector{}
	core, clock := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, nil)

	env := envelope.Envelope{From: "sera", Text: "초아야?", Kind: envelope.KindMessage}
	core.Handle(context.Background(), mustEncode(t, env))
	clock.Advance(2 * time.Second)
	core.Handle(context.Background(), mustEncode(t, env))
	core.Wait()

	assert.Len(t, inj.Calls(), 1)
	stats := core.Stats()
	assert.Equal(t, 1, stats.Injections)
	assert.Equal(t, 1, stats.Rejected)
}

// Scenario C: an echo fans out to every hosted identity except the
// resolved sender, bypassing guard and matcher.
func TestHandle_EchoFanout(t *testing.T) {
	inj := &fakeInjector{}
	core, _ := newTestCore(t, "choa", []registry.AgentSpec{
		{ID: "choa", Aliases: []string{"초아"}},
		{ID: "sera", Aliases: []string{"세라"}},
	}, inj, nil)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "choa", Text: "hello", Kind: envelope.KindEcho,
	}))
	core.Wait()

	calls := inj.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sera", calls[0].target)
	assert.Contains(t, calls[0].text, "choa")
	assert.Contains(t, calls[0].text, "hello")
}

func TestHandle_EchoResolvesSenderByAlias(t *testing.T) {
	inj := &fakeInjector{}
	core, _ := newTestCore(t, "choa", []registry.AgentSpec{
		{ID: "choa", Aliases: []string{"초아"}},
		{ID: "sera"},
	}, inj, nil)

	// Claimed sender is an alias; the aliased agent must be skipped.
	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "초아", Text: "done", Kind: envelope.KindEcho,
	}))
	core.Wait()

	calls := inj.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sera", calls[0].target)
}

func TestHandle_EchoFromUnknownSenderReachesEveryone(t *testing.T) {
	inj := &fakeInjector{}
	core, _ := newTestCore(t, "choa", []registry.AgentSpec{
		{ID: "choa"}, {ID: "sera"},
	}, inj, nil)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "mina", Text: "hi all", Kind: envelope.KindEcho,
	}))
	core.Wait()

	assert.Len(t, inj.Calls(), 2)
}

// Echo fan-out ignores the cooldown entirely.
func TestHandle_EchoBypassesGuard(t *testing.T) {
	inj := &fakeInjector{}
	core, _ := newTestCore(t, "choa", []registry.AgentSpec{
		{ID: "choa"}, {ID: "sera"},
	}, inj, nil)

	echo := envelope.Envelope{From: "choa", Text: "a", Kind: envelope.KindEcho}
	core.Handle(context.Background(), mustEncode(t, echo))
	core.Handle(context.Background(), mustEncode(t, echo))
	core.Wait()

	assert.Len(t, inj.Calls(), 2)
	assert.Equal(t, 0, core.Stats().Rejected)
}

// Scenario D: at the depth ceiling, no injections, no republishes.
func TestHandle_DepthExceeded(t *testing.T) {
	inj := &fakeInjector{output: "should not appear"}
	pub := &fakePublisher{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, pub)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야", Depth: 3, Kind: envelope.KindMessage,
	}))
	core.Wait()

	assert.Empty(t, inj.Calls())
	assert.Empty(t, pub.Payloads())
	assert.Equal(t, 1, core.Stats().Rejected)
}

func TestHandle_SelfOriginRejected(t *testing.T) {
	inj := &fakeInjector{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, nil)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "choa", Text: "초아 mention of myself", Kind: envelope.KindMessage,
	}))
	core.Wait()

	assert.Empty(t, inj.Calls())
	assert.Equal(t, 1, core.Stats().Rejected)
}

func TestHandle_NoMentionIsDropped(t *testing.T) {
	inj := &fakeInjector{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, nil)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "just thinking out loud", Kind: envelope.KindMessage,
	}))
	core.Wait()

	assert.Empty(t, inj.Calls())
	stats := core.Stats()
	assert.Equal(t, 1, stats.NoMention)
	assert.Equal(t, 0, stats.Rejected)
}

func TestHandle_MultipleMentionsFanOut(t *testing.T) {
	inj := &fakeInjector{}
	core, _ := newTestCore(t, "relay1", []registry.AgentSpec{
		{ID: "choa", Aliases: []string{"초아"}},
		{ID: "sera", Aliases: []string{"세라"}},
	}, inj, nil)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "mina", Text: "초아, 세라, 회의 시작해", Kind: envelope.KindMessage,
	}))
	core.Wait()

	calls := inj.Calls()
	require.Len(t, calls, 2)
	targets := []string{calls[0].target, calls[1].target}
	assert.ElementsMatch(t, []string{"choa", "sera"}, targets)
}

func TestHandle_DecodeErrorDropsQuietly(t *testing.T) {
	inj := &fakeInjector{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa"}}, inj, nil)

	core.Handle(context.Background(), []byte("{{{not json"))
	core.Handle(context.Background(), []byte(`{"text":"no sender"}`))
	core.Wait()

	assert.Empty(t, inj.Calls())
	assert.Equal(t, 2, core.Stats().DecodeDrops)
}

func TestHandle_RepublishesInjectorOutput(t *testing.T) {
	inj := &fakeInjector{output: "choa's reply"}
	pub := &fakePublisher{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, pub)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야 대답해", Depth: 1, Kind: envelope.KindMessage,
	}))
	core.Wait()

	payloads := pub.Payloads()
	require.Len(t, payloads, 1)

	reply, err := envelope.Decode(payloads[0])
	require.NoError(t, err)
	assert.Equal(t, "choa", reply.From)
	assert.Equal(t, "choa's reply", reply.Text)
	assert.Equal(t, 2, reply.Depth) // depth strictly increases
	assert.Equal(t, envelope.KindMessage, reply.Kind)
}

func TestHandle_NoRepublishOnEmptyOutput(t *testing.T) {
	inj := &fakeInjector{output: ""}
	pub := &fakePublisher{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, pub)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야", Kind: envelope.KindMessage,
	}))
	core.Wait()

	assert.Empty(t, pub.Payloads())
}

func TestHandle_SendsInjectorOutputToChat(t *testing.T) {
	inj := &fakeInjector{output: "choa's reply"}
	chat := &fakeChat{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, nil)
	core.SetChat(chat)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야 대답해", Kind: envelope.KindMessage,
	}))
	core.Wait()

	// Chat delivery happens even with republish disabled.
	require.Equal(t, []string{"choa's reply"}, chat.Sends())
	assert.Equal(t, 1, core.Stats().ChatSends)
	assert.Equal(t, 0, core.Stats().Republished)
}

func TestHandle_NoChatSendOnEmptyOutput(t *testing.T) {
	inj := &fakeInjector{output: ""}
	chat := &fakeChat{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, nil)
	core.SetChat(chat)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야", Kind: envelope.KindMessage,
	}))
	core.Wait()

	assert.Empty(t, chat.Sends())
	assert.Equal(t, 0, core.Stats().ChatSends)
}

func TestHandle_ChatFailureDoesNotBlockRepublish(t *testing.T) {
	inj := &fakeInjector{output: "reply"}
	chat := &fakeChat{err: errors.New("telegram down")}
	pub := &fakePublisher{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, pub)
	core.SetChat(chat)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야", Kind: envelope.KindMessage,
	}))
	core.Wait()

	assert.Empty(t, chat.Sends())
	assert.Equal(t, 0, core.Stats().ChatSends)
	assert.Len(t, pub.Payloads(), 1)
}

func TestLogStats_ReportsCounters(t *testing.T) {
	inj := &fakeInjector{output: "pong"}
	chat := &fakeChat{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, nil)
	core.SetChat(chat)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야 ping", Kind: envelope.KindMessage,
	}))
	core.Handle(context.Background(), []byte("not json"))
	core.Wait()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	core.LogStats()

	line := buf.String()
	assert.Contains(t, line, "handled=1")
	assert.Contains(t, line, "injected=1")
	assert.Contains(t, line, "decodeDrops=1")
	assert.Contains(t, line, "chatSends=1")
	assert.Contains(t, line, "admitted:1")
}

func TestHandle_InjectorFailureDoesNotStopRelay(t *testing.T) {
	inj := &fakeInjector{err: errors.New("spawn failed")}
	core, clock := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, nil)

	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야", Kind: envelope.KindMessage,
	}))
	core.Wait()
	assert.Equal(t, 1, core.Stats().InjectFails)

	// Next message is processed normally; no retry of the failed one.
	clock.Advance(10 * time.Second)
	inj.err = nil
	core.Handle(context.Background(), mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야 again", Kind: envelope.KindMessage,
	}))
	core.Wait()

	assert.Len(t, inj.Calls(), 2)
}

func TestRun_ConsumesFromBus(t *testing.T) {
	inj := &fakeInjector{}
	core, _ := newTestCore(t, "choa",
		[]registry.AgentSpec{{ID: "choa", Aliases: []string{"초아"}}}, inj, nil)

	mem := bus.NewMemory()
	defer mem.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		core.Run(ctx, mem)
		close(done)
	}()

	require.NoError(t, mem.Publish(ctx, mustEncode(t, envelope.Envelope{
		From: "sera", Text: "초아야 hello", Kind: envelope.KindMessage,
	})))

	assert.Eventually(t, func() bool {
		return len(inj.Calls()) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
