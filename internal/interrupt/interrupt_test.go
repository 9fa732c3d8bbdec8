package interrupt

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/audio"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
)

func TestCueSetMatch(t *testing.T) {
	cues := NewCueSet(config.DefaultCues, 2)
	cases := []struct {
		text      string
		cue       string
		remainder string
		ok        bool
	}{
		{"stop", "stop", "", true},
		{"STOP!", "stop", "", true},
		{"ＳＴＯＰ", "stop", "", true},
		{"Hey, what time is it?", "hey", "what time is it?", true},
		{"never mind that", "nevermind", "", true},
		{"Oh wait, tell me about Mars", "wait", "tell me about Mars", true},
		{"hold on", "hold", "", true},
		{"hi", "hi", "", true},
		{"sorry, play some jazz", "sorry", "play some jazz", true},
		{"I said stop", "", "", false},
		{"what is history", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		cue, rest, ok := cues.Match(tc.text)
		if ok != tc.ok || cue != tc.cue || rest != tc.remainder {
			t.Fatalf("Match(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.text, cue, rest, ok, tc.cue, tc.remainder, tc.ok)
		}
	}
	if got := cues.StripCue("hey what's the weather"); got != "what's the weather" {
		t.Fatalf("unexpected strip result %q", got)
	}
	if got := cues.StripCue("what's the weather"); got != "what's the weather" {
		t.Fatalf("expected text without cue to pass through, got %q", got)
	}
}

func TestCueSetNormalizesConfiguredPhrases(t *testing.T) {
	cues := NewCueSet([]string{"Never Mind"}, 1)
	if !cues.Contains("nevermind") {
		t.Fatal("expected configured phrase to collapse into one cue")
	}
}

type fakeSpotter struct {
	text  string
	calls atomic.Int32
}

func (f *fakeSpotter) Spot(ctx context.Context, _ string, _ []byte, _, _ int) (string, error) {
	f.calls.Add(1)
	return f.text, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func voicedFrame(seq int) protocol.AudioFrame {
	samples := make([]int16, 480)
	for i := range samples {
		samples[i] = int16(3000 * math.Sin(2*math.Pi*float64(i)/40))
	}
	return protocol.AudioFrame{SessionID: "glasses-1", Sequence: seq, SampleRate: 16000, Channels: 1, PCM: audio.EncodeSamples(samples)}
}

func silentFrame(seq int) protocol.AudioFrame {
	return protocol.AudioFrame{SessionID: "glasses-1", Sequence: seq, SampleRate: 16000, Channels: 1, PCM: make([]byte, 960)}
}

func testMonitor(spotter Spotter) *Monitor {
	opts := Options{EnergyThreshold: 50, StartFrames: 2, SilenceMS: 300, PartialEveryMS: 300, MaxSpeechMS: 3000, BufferFrames: 256}
	return NewMonitor(NewCueSet(config.DefaultCues, 2), spotter, nil, opts, discardLogger())
}

func waitActive(t *testing.T, m *Monitor) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !m.Active() {
		if time.Now().After(deadline) {
			t.Fatal("watch never became active")
		}
		time.Sleep(time.Millisecond)
	}
}

type watchResult struct {
	in Interruption
	ok bool
}

func startWatch(ctx context.Context, m *Monitor, sessionID string) <-chan watchResult {
	out := make(chan watchResult, 1)
	go func() {
		in, ok := m.Watch(ctx, sessionID)
		out <- watchResult{in, ok}
	}()
	return out
}

func TestDormantMonitorIgnoresInput(t *testing.T) {
	spotter := &fakeSpotter{text: "stop"}
	m := testMonitor(spotter)
	for i := 0; i < 50; i++ {
		m.Feed(voicedFrame(i))
	}
	m.ObserveTranscript("stop")
	if m.Active() {
		t.Fatal("expected monitor to be dormant")
	}
	if spotter.calls.Load() != 0 {
		t.Fatal("expected no spotting work while dormant")
	}
}

func TestWatchDetectsCueFromTranscript(t *testing.T) {
	m := testMonitor(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := startWatch(ctx, m, "pb-1")
	waitActive(t, m)

	m.ObserveTranscript("the weather is nice")
	m.ObserveTranscript("wait, what time is it")

	res := <-done
	if !res.ok {
		t.Fatal("expected interruption")
	}
	if res.in.Cue != "wait" || res.in.Remainder != "what time is it" || res.in.SessionID != "pb-1" {
		t.Fatalf("unexpected interruption %+v", res.in)
	}
	if res.in.Final {
		t.Fatal("an observed partial transcript must not be final")
	}
	if m.Active() {
		t.Fatal("expected watch to end after firing")
	}
}

func TestWatchSpotsCueInLiveSpeech(t *testing.T) {
	spotter := &fakeSpotter{text: "stop"}
	m := testMonitor(spotter)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := startWatch(ctx, m, "pb-2")
	waitActive(t, m)

	// 600ms of speech is enough for at least one partial pass.
	for i := 0; i < 20; i++ {
		m.Feed(voicedFrame(i))
	}
	select {
	case res := <-done:
		if !res.ok || res.in.Cue != "stop" {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-ctx.Done():
		t.Fatal("cue was not detected")
	}
}

func TestWatchIgnoresNonCueSpeechAndStopsOnCancel(t *testing.T) {
	spotter := &fakeSpotter{text: "the ocean was calm"}
	m := testMonitor(spotter)
	ctx, cancel := context.WithCancel(context.Background())
	done := startWatch(ctx, m, "pb-3")
	waitActive(t, m)

	for i := 0; i < 20; i++ {
		m.Feed(voicedFrame(i))
	}
	for i := 20; i < 35; i++ {
		m.Feed(silentFrame(i))
	}
	deadline := time.Now().Add(time.Second)
	for spotter.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if spotter.calls.Load() == 0 {
		t.Fatal("expected spotting passes over live speech")
	}
	cancel()
	res := <-done
	if res.ok {
		t.Fatalf("expected no interruption, got %+v", res.in)
	}
	if m.Active() {
		t.Fatal("expected watch to be released after cancel")
	}
}

func TestPartialAndEndOfSpeechPasses(t *testing.T) {
	// Mid-speech passes see only the start of the utterance.
	spotter := &fakeSpotter{text: "hey what"}
	m := testMonitor(spotter)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := startWatch(ctx, m, "pb-4")
	waitActive(t, m)
	for i := 0; i < 20; i++ {
		m.Feed(voicedFrame(i))
	}
	res := <-done
	if !res.ok || res.in.Cue != "hey" || res.in.Final {
		t.Fatalf("expected a partial interruption, got %+v", res)
	}

	// With no mid-speech pass, the pass after speech ends is final.
	spotter = &fakeSpotter{text: "hey what time is it"}
	opts := Options{EnergyThreshold: 50, StartFrames: 2, SilenceMS: 300, PartialEveryMS: 60000, MaxSpeechMS: 3000, BufferFrames: 256}
	m = NewMonitor(NewCueSet(config.DefaultCues, 2), spotter, nil, opts, discardLogger())
	done = startWatch(ctx, m, "pb-5")
	waitActive(t, m)
	for i := 0; i < 10; i++ {
		m.Feed(voicedFrame(i))
	}
	for i := 10; i < 25; i++ {
		m.Feed(silentFrame(i))
	}
	res = <-done
	if !res.ok || !res.in.Final || res.in.Remainder != "what time is it" {
		t.Fatalf("expected a final interruption with the whole remainder, got %+v", res)
	}
	if spotter.calls.Load() != 1 {
		t.Fatalf("expected exactly one pass, got %d", spotter.calls.Load())
	}
}
