package viewer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/parallax/internal/config"
	"github.com/andresmejia3/parallax/internal/metrics"
	"github.com/andresmejia3/parallax/internal/sink"
	"github.com/andresmejia3/parallax/internal/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg *config.PipelineConfig, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, opts)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/depth"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("want %d clients, have %d", n, s.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, b, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	f, err := DecodeFrame(b)
	require.NoError(t, err)
	return f
}

func TestFrameRoundTrip(t *testing.T) {
	buf := sink.NewBuffer(2, 1, sink.LayoutRGBA32F, 0.5)
	require.NoError(t, buf.Publish(types.DepthMap{Width: 2, Height: 1, Data: []float32{0.25, 1}}))

	f, err := DecodeFrame(EncodeFrame(buf, 0.75))
	require.NoError(t, err)
	assert.Equal(t, 2, f.Width)
	assert.Equal(t, 1, f.Height)
	assert.Equal(t, 4, f.Channels)
	assert.Equal(t, float32(0.75), f.DepthScale)
	assert.Equal(t, uint64(1), f.Version)
	assert.Equal(t, []float32{0.25, 0.25, 0.25, 1, 1, 1, 1, 1}, f.Data)

	_, err = DecodeFrame([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDepthStreamsUploads(t *testing.T) {
	cfg := config.New(0.25, 1, false)
	s, ts := newTestServer(t, cfg, Options{})
	conn := dial(t, ts)
	waitClients(t, s, 1)

	buf := sink.NewBuffer(4, 4, sink.LayoutR32F, 0.5)
	s.Upload(buf)

	f := readFrame(t, conn)
	assert.Equal(t, 4, f.Width)
	assert.Equal(t, 1, f.Channels)
	assert.Equal(t, float32(0.25), f.DepthScale)
	for _, v := range f.Data {
		assert.Equal(t, float32(0.5), v)
	}

	// Same scale: nothing is resent.
	s.Render(0.25)
	// New scale: the latest frame goes out again with it.
	s.Render(0.5)
	f = readFrame(t, conn)
	assert.Equal(t, float32(0.5), f.DepthScale)
}

func TestLateClientGetsLatestFrame(t *testing.T) {
	s, ts := newTestServer(t, config.Default(), Options{})
	s.Upload(sink.NewBuffer(2, 2, sink.LayoutR32F, 0.5))

	conn := dial(t, ts)
	f := readFrame(t, conn)
	assert.Equal(t, 2, f.Width)
}

func TestSlowClientDropsFrames(t *testing.T) {
	m := metrics.New()
	s := New(config.Default(), Options{WriteBuffer: 1, Metrics: m})
	c := &client{wCh: make(chan []byte, 1)}
	s.clients[c] = struct{}{}

	buf := sink.NewBuffer(2, 2, sink.LayoutR32F, 0.5)
	start := time.Now()
	for i := 0; i < 10; i++ {
		s.Upload(buf)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, c.wCh, 1)
	assert.Equal(t, 9.0, testutil.ToFloat64(m.ViewerDrops))
}

func TestMaxClients(t *testing.T) {
	s, ts := newTestServer(t, config.Default(), Options{MaxClients: 1})
	dial(t, ts)
	waitClients(t, s, 1)

	second := dial(t, ts)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Equal(t, 1, s.Clients())
}

func TestConfigEndpoint(t *testing.T) {
	cfg := config.New(0.25, 1, false)
	_, ts := newTestServer(t, cfg, Options{})

	resp, err := http.Get(ts.URL + "/config")
	require.NoError(t, err)
	var got config.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, config.Snapshot{DepthScale: 0.25, Stride: 1}, got)

	resp, err = http.Post(ts.URL+"/config", "application/json", strings.NewReader(`{"stride":3,"paused":true}`))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, config.Snapshot{DepthScale: 0.25, Stride: 3, Paused: true}, got)
	assert.Equal(t, 3, cfg.Stride())

	resp, err = http.Post(ts.URL+"/config", "application/json", strings.NewReader(`{"depthScale":-1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0.25, cfg.DepthScale())

	resp, err = http.Post(ts.URL+"/config", "application/json", strings.NewReader(`{"fov":3}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, config.Default(), Options{Metrics: m})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	m.Tick()
	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "parallax_")
}
