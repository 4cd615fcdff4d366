package export

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detectx/internal/config"
	"detectx/internal/cropcache"
)

type publishedMessage struct {
	Topic    string
	Payload  []byte
	Retained bool
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{Topic: topic, Payload: payload, Retained: retained})
	return nil
}

func (p *fakePublisher) all() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}

func testJob() *Job {
	return &Job{
		Label:      "traffic light",
		Confidence: 81,
		Timestamp:  time.UnixMilli(1700000000123),
		Index:      2,
		Box:        cropcache.Box{X: 10, Y: 12, W: 30, H: 40},
		Image:      "aGVsbG8=",
		JPEG:       []byte("hello"),
	}
}

func TestThrottle(t *testing.T) {
	base := time.Unix(1000, 0)
	th := NewThrottle(500 * time.Millisecond)

	assert.True(t, th.Allow(base), "first export always passes")
	assert.False(t, th.Allow(base.Add(100*time.Millisecond)))
	assert.False(t, th.Allow(base.Add(499*time.Millisecond)))
	assert.True(t, th.Allow(base.Add(500*time.Millisecond)))
	assert.False(t, th.Allow(base.Add(600*time.Millisecond)))

	th.Reset()
	assert.True(t, th.Allow(base.Add(601*time.Millisecond)))
}

func TestThrottle_AtMostOnePerWindow(t *testing.T) {
	base := time.Unix(0, 0)
	th := NewThrottle(500 * time.Millisecond)

	var allowed []time.Time
	for i := 0; i < 100; i++ {
		now := base.Add(time.Duration(i*37) * time.Millisecond)
		if th.Allow(now) {
			allowed = append(allowed, now)
		}
	}
	require.NotEmpty(t, allowed)
	for i := 1; i < len(allowed); i++ {
		assert.GreaterOrEqual(t, allowed[i].Sub(allowed[i-1]), 500*time.Millisecond)
	}
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "traffic_light", SanitizeLabel("traffic light"))
	assert.Equal(t, "a_b_c", SanitizeLabel("a/b\\c"))
	assert.Equal(t, "c___stage_1", SanitizeLabel("c++ stage#1"))
}

func TestDispatcher_RunsAndReports(t *testing.T) {
	d := NewDispatcher(4, SinkStorage, SinkHTTP)

	require.NoError(t, d.Submit(Task{Sink: SinkStorage, Label: "a", Run: func(ctx context.Context) error { return nil }}))
	require.NoError(t, d.Submit(Task{Sink: SinkHTTP, Label: "b", Run: func(ctx context.Context) error { return errors.New("boom") }}))

	got := map[string]Result{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-d.Results():
			got[r.Sink] = r
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	assert.NoError(t, got[SinkStorage].Err)
	assert.EqualError(t, got[SinkHTTP].Err, "boom")
	assert.Equal(t, "b", got[SinkHTTP].Label)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats[SinkStorage].Sent)
	assert.Equal(t, uint64(1), stats[SinkHTTP].Failed)

	require.NoError(t, d.Close(context.Background()))
	assert.ErrorIs(t, d.Submit(Task{Sink: SinkStorage}), ErrClosed)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, SinkHTTP)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, d.Submit(Task{Sink: SinkHTTP, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	require.NoError(t, d.Submit(Task{Sink: SinkHTTP, Run: func(ctx context.Context) error { return nil }}))
	err := d.Submit(Task{Sink: SinkHTTP, Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), d.Stats()[SinkHTTP].Dropped)

	close(release)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, uint64(2), d.Stats()[SinkHTTP].Sent)
}

func TestDispatcher_SlowLaneDoesNotBlockOthers(t *testing.T) {
	d := NewDispatcher(2, SinkHTTP, SinkStorage)
	release := make(chan struct{})
	defer func() {
		close(release)
		_ = d.Close(context.Background())
	}()

	require.NoError(t, d.Submit(Task{Sink: SinkHTTP, Run: func(ctx context.Context) error {
		<-release
		return nil
	}}))

	done := make(chan struct{})
	require.NoError(t, d.Submit(Task{Sink: SinkStorage, Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("storage lane blocked behind http lane")
	}
}

func TestDispatcher_UnknownSink(t *testing.T) {
	d := NewDispatcher(1, SinkStorage)
	defer d.Close(context.Background())
	assert.ErrorIs(t, d.Submit(Task{Sink: "nope"}), ErrUnknownSink)
}

func TestStorageSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "detectx")
	s := NewStorageSink(dir)
	assert.False(t, s.Available())

	job := testJob()
	require.NoError(t, s.Send(context.Background(), job))
	assert.True(t, s.Available())

	img, txt := s.Paths(job)
	assert.Equal(t, filepath.Join(dir, "crop_traffic_light_1700000000123_2.jpg"), img)

	data, err := os.ReadFile(img)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	line, err := os.ReadFile(txt)
	require.NoError(t, err)
	assert.Equal(t, "traffic light 10 12 30 40\n", string(line))
}

func TestStorageSink_RetriesDirectoryCreation(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	s := NewStorageSink(filepath.Join(blocker, "detectx"))
	require.Error(t, s.Send(context.Background(), testJob()))

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, s.Send(context.Background(), testJob()))
}

func TestMessagingSink(t *testing.T) {
	pub := &fakePublisher{}
	s := NewMessagingSink(pub, "ACCC8E")

	require.NoError(t, s.Send(context.Background(), testJob()))
	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "crop/ACCC8E", msgs[0].Topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &body))
	assert.Equal(t, "traffic light", body["label"])
	assert.Equal(t, float64(81), body["confidence"])
	assert.Equal(t, float64(1700000000123), body["timestamp"])
	assert.Equal(t, "aGVsbG8=", body["image"])
	assert.NotContains(t, body, "serial")

	pub.err = errors.New("too large")
	err := s.Send(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JPEG 5 bytes")
}

func TestHTTPSink_AuthModes(t *testing.T) {
	type captured struct {
		auth        string
		contentType string
		body        map[string]any
	}
	requests := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{auth: r.Header.Get("Authorization"), contentType: r.Header.Get("Content-Type")}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		requests <- c
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tests := []struct {
		name string
		cfg  HTTPConfig
		want string
	}{
		{name: "none", cfg: HTTPConfig{Auth: config.AuthNone}, want: ""},
		{name: "basic", cfg: HTTPConfig{Auth: config.AuthBasic, Username: "user", Password: "pass"}, want: "Basic dXNlcjpwYXNz"},
		{name: "bearer", cfg: HTTPConfig{Auth: config.AuthBearer, Token: "tok"}, want: "Bearer tok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.URL = srv.URL
			tt.cfg.Serial = "ACCC8E"
			sink, err := NewHTTPSink(tt.cfg)
			require.NoError(t, err)

			require.NoError(t, sink.Send(context.Background(), testJob()))
			last := <-requests
			assert.Equal(t, tt.want, last.auth)
			assert.Equal(t, "application/json", last.contentType)
			assert.Equal(t, "ACCC8E", last.body["serial"])
			assert.Equal(t, "traffic light", last.body["label"])
		})
	}
}

func TestHTTPSink_Digest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Digest ") {
			w.Header().Set("WWW-Authenticate", `Digest realm="detectx", nonce="dcd98b7102dd2f0e", qop="auth", algorithm=MD5`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Contains(t, r.Header.Get("Authorization"), `username="user"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPConfig{URL: srv.URL, Auth: config.AuthDigest, Username: "user", Password: "pass"})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), testJob()))
}

func TestHTTPSink_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)
	err = sink.Send(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestNewHTTPSink_NoURL(t *testing.T) {
	_, err := NewHTTPSink(HTTPConfig{})
	assert.ErrorIs(t, err, ErrNoURL)
}

func TestFanout(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(8, SinkStorage, SinkMessaging, SinkHTTP)
	f := NewFanout("ACCC8E", d, pub)

	dir := t.TempDir()
	cropping := config.Default().Settings.Cropping
	cropping.Directory = dir
	cropping.HTTP = true // no URL, sink is not built
	f.Configure(cropping)

	f.Export(testJob(), Targets{SDCard: true, MQTT: true, HTTP: true})
	f.Summary([]map[string]any{{"label": "person"}})
	f.Notify("event/ACCC8E/person/true", map[string]any{"state": true}, false)

	require.NoError(t, d.Close(context.Background()))

	stats := f.Stats()
	assert.Equal(t, uint64(1), stats[SinkStorage].Sent)
	assert.Equal(t, uint64(3), stats[SinkMessaging].Sent)
	assert.Equal(t, uint64(0), stats[SinkHTTP].Sent)

	topics := make([]string, 0, 3)
	for _, m := range pub.all() {
		topics = append(topics, m.Topic)
	}
	assert.ElementsMatch(t, []string{"crop/ACCC8E", "detection/ACCC8E", "event/ACCC8E/person/true"}, topics)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFanout_NoPublisher(t *testing.T) {
	d := NewDispatcher(2, SinkMessaging)
	f := NewFanout("dev", d, nil)
	f.Summary([]int{1})
	f.Export(testJob(), Targets{MQTT: true})
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, uint64(0), d.Stats()[SinkMessaging].Sent)
}
