package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/discord-relay/kvstore"
	"github.com/onnwee/discord-relay/mirror"
	"github.com/onnwee/discord-relay/occupancy"
)

const (
	textChannel  = "text-1"
	voiceChannel = "voice-1"
)

type fakePlatform struct {
	mu      sync.Mutex
	gone    map[string]bool
	voice   map[string]occupancy.Snapshot
	fetched []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{gone: map[string]bool{}, voice: map[string]occupancy.Snapshot{}}
}

func (p *fakePlatform) FetchMessage(_ context.Context, _, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetched = append(p.fetched, messageID)
	if p.gone[messageID] {
		return mirror.ErrMessageNotFound
	}
	return nil
}

func (p *fakePlatform) VoiceOccupancy(_ context.Context, channelID string) (string, occupancy.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.voice[channelID]
	if !ok {
		return "", occupancy.Snapshot{}, occupancy.ErrNotVoiceChannel
	}
	return "雑談", snap, nil
}

func (p *fakePlatform) setVoice(channelID string, snap occupancy.Snapshot) {
	p.mu.Lock()
	p.voice[channelID] = snap
	p.mu.Unlock()
}

type fakePublisher struct {
	mu      sync.Mutex
	posts   []string
	deletes []string
}

func (f *fakePublisher) Post(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return fmt.Sprintf("post-%d", len(f.posts)), nil
}

func (f *fakePublisher) Delete(_ context.Context, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, postID)
	return nil
}

func (f *fakePublisher) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...), append([]string(nil), f.deletes...)
}

type rig struct {
	dir      string
	bridge   *Bridge
	platform *fakePlatform
	pub      *fakePublisher
}

func newRig(t *testing.T, dir string) *rig {
	t.Helper()
	r := &rig{dir: dir, platform: newFakePlatform(), pub: &fakePublisher{}}
	messages := mirror.NewRegistry(kvstore.Open[string](dir, mirror.Namespace))
	speakers := occupancy.NewRegistry(kvstore.Open[occupancy.Snapshot](dir, occupancy.Namespace))
	r.bridge = New(context.Background(), messages, speakers, r.platform, r.pub, Options{
		ChannelID: textChannel,
		Location:  time.UTC,
		Debounce:  5 * time.Millisecond,
		Interval:  time.Hour,
	})
	return r
}

func (r *rig) close(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.bridge.Close(ctx))
}

func readDoc(t *testing.T, path string) map[string]json.RawMessage {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &doc))
	return doc
}

func TestMessageLifecyclePersists(t *testing.T) {
	dir := t.TempDir()
	r := newRig(t, dir)

	r.bridge.OnMessageCreate(mirror.Message{ID: "m1", ChannelID: textChannel, Content: "hello", CreatedAt: time.Date(2024, 3, 5, 9, 4, 0, 0, time.UTC)})
	r.bridge.OnMessageCreate(mirror.Message{ID: "m2", ChannelID: textChannel, Content: ".quiet"})
	r.bridge.OnMessageCreate(mirror.Message{ID: "m3", ChannelID: "other", Content: "hello"})
	r.close(t)

	posts, _ := r.pub.snapshot()
	require.Equal(t, []string{"3/5 09:04 に書き込みがありました:\nhello"}, posts)

	doc := readDoc(t, filepath.Join(dir, "id.json"))
	assert.Equal(t, json.RawMessage(`"post-1"`), doc["m1"])
	assert.Len(t, doc, 1)
}

func TestEditIntoExcludedFormDeletes(t *testing.T) {
	r := newRig(t, t.TempDir())
	r.bridge.OnMessageCreate(mirror.Message{ID: "m1", ChannelID: textChannel, Content: "hello"})
	r.bridge.OnMessageUpdate(mirror.Message{ID: "m1", ChannelID: textChannel, Content: ".hello"})
	r.bridge.OnMessageUpdate(mirror.Message{ID: "m1", ChannelID: textChannel, Content: "hello"})
	r.close(t)

	posts, deletes := r.pub.snapshot()
	assert.Len(t, posts, 1)
	assert.Equal(t, []string{"post-1"}, deletes)
}

func TestDeleteRemovesRemotePost(t *testing.T) {
	r := newRig(t, t.TempDir())
	r.bridge.OnMessageCreate(mirror.Message{ID: "m1", ChannelID: textChannel, Content: "hello"})
	r.bridge.OnMessageDelete(textChannel, "m1")
	r.bridge.OnMessageDelete(textChannel, "m1")
	r.close(t)

	_, deletes := r.pub.snapshot()
	assert.Equal(t, []string{"post-1"}, deletes)
}

func TestReadyReconcilesAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	first := newRig(t, dir)
	first.bridge.OnMessageCreate(mirror.Message{ID: "m1", ChannelID: textChannel, Content: "one"})
	first.bridge.OnMessageCreate(mirror.Message{ID: "m2", ChannelID: textChannel, Content: "two"})
	first.close(t)

	second := newRig(t, dir)
	second.platform.gone["m1"] = true
	assert.False(t, second.bridge.Ready())

	second.bridge.OnReady()

	assert.True(t, second.bridge.Ready())
	assert.Equal(t, int64(1), second.bridge.Reconciled())
	_, deletes := second.pub.snapshot()
	assert.Equal(t, []string{"post-1"}, deletes)
	assert.ElementsMatch(t, []string{"m1", "m2"}, second.platform.fetched)

	second.bridge.OnDisconnect()
	assert.False(t, second.bridge.Ready())
	second.close(t)

	doc := readDoc(t, filepath.Join(dir, "id.json"))
	assert.NotContains(t, doc, "m1")
	assert.Contains(t, doc, "m2")
}

func TestVoiceStateUpdateNotifiesBothChannels(t *testing.T) {
	dir := t.TempDir()
	r := newRig(t, dir)
	r.platform.setVoice(voiceChannel, occupancy.Snapshot{Humans: 1})
	r.platform.setVoice("voice-2", occupancy.Snapshot{})

	// Join voice-1.
	r.bridge.OnVoiceStateUpdate("", voiceChannel)
	r.bridge.Tracker().Wait()
	assert.True(t, r.bridge.Tracker().HasReminder(voiceChannel))

	// Move from voice-1 to voice-2.
	r.platform.setVoice(voiceChannel, occupancy.Snapshot{})
	r.platform.setVoice("voice-2", occupancy.Snapshot{Humans: 1})
	r.bridge.OnVoiceStateUpdate(voiceChannel, "voice-2")
	r.bridge.Tracker().Wait()

	assert.False(t, r.bridge.Tracker().HasReminder(voiceChannel))
	assert.True(t, r.bridge.Tracker().HasReminder("voice-2"))

	// Mute toggle inside the same channel changes nothing.
	r.bridge.OnVoiceStateUpdate("voice-2", "voice-2")
	r.bridge.Tracker().Wait()

	r.close(t)
	posts, _ := r.pub.snapshot()
	assert.Len(t, posts, 3)
	assert.Equal(t, 0, r.bridge.Tracker().ActiveReminders())

	doc := readDoc(t, filepath.Join(dir, "speakers.json"))
	assert.JSONEq(t, `{"bots":0,"humans":0}`, string(doc[voiceChannel]))
	assert.JSONEq(t, `{"bots":0,"humans":1}`, string(doc["voice-2"]))
}

func TestVoiceEventForTextChannelIsIgnored(t *testing.T) {
	r := newRig(t, t.TempDir())
	r.bridge.OnVoiceStateUpdate("", textChannel)
	r.bridge.Tracker().Wait()
	r.close(t)

	posts, _ := r.pub.snapshot()
	assert.Empty(t, posts)
}

func TestShutdownRightAfterVoiceEventFlushesInTime(t *testing.T) {
	dir := t.TempDir()
	root, cancelRoot := context.WithCancel(context.Background())
	platform, pub := newFakePlatform(), &fakePublisher{}
	platform.setVoice(voiceChannel, occupancy.Snapshot{Humans: 1})
	b := New(root,
		mirror.NewRegistry(kvstore.Open[string](dir, mirror.Namespace)),
		occupancy.NewRegistry(kvstore.Open[occupancy.Snapshot](dir, occupancy.Namespace)),
		platform, pub,
		Options{ChannelID: textChannel, Location: time.UTC, Debounce: time.Hour, Interval: time.Hour},
	)
	b.OnMessageCreate(mirror.Message{ID: "m1", ChannelID: textChannel, Content: "hello"})
	b.OnVoiceStateUpdate("", voiceChannel)

	cancelRoot()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, b.Close(ctx))
	assert.Less(t, time.Since(start), time.Second)

	posts, _ := pub.snapshot()
	assert.Len(t, posts, 1, "the scheduled voice evaluation never ran")
	assert.Contains(t, readDoc(t, filepath.Join(dir, "id.json")), "m1")
}
