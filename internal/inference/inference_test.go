package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"detectx/internal/capture"
	"detectx/internal/config"
	"detectx/internal/pipeline"
)

func testFrame() *capture.Frame {
	return &capture.Frame{JPEG: []byte("jpeg-bytes"), Width: 640, Height: 480}
}

func TestNew_SelectsTransport(t *testing.T) {
	_, err := New(config.HubConfig{})
	assert.ErrorIs(t, err, ErrNoHub)

	c, err := New(config.HubConfig{URL: "http://hub:8000"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPClient{}, c)

	c, err = New(config.HubConfig{URL: "hub:50051", Transport: config.TransportGRPC})
	require.NoError(t, err)
	assert.IsType(t, &GRPCClient{}, c)
	require.NoError(t, c.Close())
}

func TestHTTPClient_Infer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inference", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "hub", user)
		assert.Equal(t, "secret", pass)

		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "letterbox", r.FormValue("scale_mode"))
		if f, _, err := r.FormFile("file"); assert.NoError(t, err) {
			data, _ := io.ReadAll(f)
			assert.Equal(t, "jpeg-bytes", string(data))
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detections":[{"label":"person","c":0.91,"x":0.1,"y":0.2,"w":0.3,"h":0.4},{"c":0.5}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(config.HubConfig{
		URL:       srv.URL + "/",
		Username:  "hub",
		Password:  "secret",
		ScaleMode: config.ScaleLetterbox,
	})

	dets, err := c.Infer(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, pipeline.RawDetection{Label: "person", Confidence: 0.91, X: 0.1, Y: 0.2, W: 0.3, H: 0.4}, dets[0])
	assert.Empty(t, dets[1].Label)
}

func TestHTTPClient_InferError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.HubConfig{URL: srv.URL})
	_, err := c.Infer(context.Background(), testFrame())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPClient_HealthIsCached(t *testing.T) {
	var calls atomic.Int32
	var loaded atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok", ModelLoaded: loaded.Load()})
	}))
	defer srv.Close()

	c := NewHTTPClient(config.HubConfig{URL: srv.URL})
	ctx := context.Background()

	assert.False(t, c.IsHealthy(ctx))
	assert.False(t, c.IsHealthy(ctx))
	assert.Equal(t, int32(2), calls.Load())

	loaded.Store(true)
	assert.True(t, c.IsHealthy(ctx))
	assert.True(t, c.IsHealthy(ctx))
	assert.Equal(t, int32(3), calls.Load())
}

// fakeHub serves the Detect method with a canned answer
type fakeHub struct {
	requests atomic.Int32
	last     atomic.Pointer[structpb.Struct]
}

func (h *fakeHub) detect(req *structpb.Struct) (*structpb.Struct, error) {
	h.requests.Add(1)
	h.last.Store(req)
	return structpb.NewStruct(map[string]any{
		"detections": []any{
			map[string]any{"label": "car", "c": 0.8, "x": 0.5, "y": 0.5, "w": 0.25, "h": 0.1},
			"garbage",
		},
	})
}

var hubDesc = grpc.ServiceDesc{
	ServiceName: HealthService,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Detect",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*fakeHub).detect(in)
		},
	}, {
		MethodName: "Capabilities",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			if err := dec(&structpb.Struct{}); err != nil {
				return nil, err
			}
			return structpb.NewStruct(map[string]any{
				"version": "2.1.0",
				"model": map[string]any{
					"input_width":  640,
					"input_height": 640,
					"channels":     3,
					"classes":      []any{map[string]any{"name": "person"}, map[string]any{"name": "car"}},
				},
			})
		},
	}},
}

func startHub(t *testing.T, status healthpb.HealthCheckResponse_ServingStatus) (*fakeHub, grpc.DialOption) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hub := &fakeHub{}
	srv.RegisterService(&hubDesc, hub)

	hs := health.NewServer()
	hs.SetServingStatus(HealthService, status)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return hub, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestGRPCClient_Infer(t *testing.T) {
	hub, dialer := startHub(t, healthpb.HealthCheckResponse_SERVING)

	c, err := NewGRPCClient(config.HubConfig{URL: "passthrough:///bufnet", ScaleMode: config.ScaleCrop}, dialer)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	assert.True(t, c.IsHealthy(ctx))

	dets, err := c.Infer(ctx, testFrame())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, pipeline.RawDetection{Label: "car", Confidence: 0.8, X: 0.5, Y: 0.5, W: 0.25, H: 0.1}, dets[0])

	req := hub.last.Load()
	require.NotNil(t, req)
	f := req.GetFields()
	assert.Equal(t, "crop", f["scale_mode"].GetStringValue())
	assert.Equal(t, float64(640), f["width"].GetNumberValue())
	image, err := base64.StdEncoding.DecodeString(f["image"].GetStringValue())
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(image))
}

func TestGRPCClient_NotServing(t *testing.T) {
	_, dialer := startHub(t, healthpb.HealthCheckResponse_NOT_SERVING)

	c, err := NewGRPCClient(config.HubConfig{URL: "passthrough:///bufnet"}, dialer)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.IsHealthy(context.Background()))
}

func TestDetectionsFromStruct_Empty(t *testing.T) {
	assert.Nil(t, DetectionsFromStruct(&structpb.Struct{}))
	assert.Nil(t, DetectionsFromStruct(nil))
}

func TestGRPCClient_Capabilities(t *testing.T) {
	_, dialer := startHub(t, healthpb.HealthCheckResponse_SERVING)

	c, err := NewGRPCClient(config.HubConfig{URL: "passthrough:///bufnet"}, dialer)
	require.NoError(t, err)
	defer c.Close()

	caps, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", caps.Version)
	assert.Equal(t, 640, caps.ModelWidth)
	assert.Equal(t, 640, caps.ModelHeight)
	assert.Equal(t, 3, caps.Channels)
	assert.Equal(t, 10, caps.MaxQueueSize)
	assert.Equal(t, []string{"person", "car"}, caps.Classes)
}

func TestHTTPClient_PixelBoxesBecomeCentres(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detections":[{"label":"dog","confidence":0.7,` +
			`"bbox_pixels":{"x":100,"y":50,"w":200,"h":100},"image":{"width":1000,"height":500}}]}`))
	}))
	defer srv.Close()

	dets, err := NewHTTPClient(config.HubConfig{URL: srv.URL}).Infer(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, "dog", d.Label)
	assert.InDelta(t, 0.7, d.Confidence, 1e-9)
	assert.InDelta(t, 0.2, d.X, 1e-9) // (100 + 200/2) / 1000
	assert.InDelta(t, 0.2, d.Y, 1e-9) // (50 + 100/2) / 500
	assert.InDelta(t, 0.2, d.W, 1e-9)
	assert.InDelta(t, 0.2, d.H, 1e-9)
}

func TestDetectionsFromStruct_PixelBoxes(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"detections": []any{
			map[string]any{
				"label":       "bike",
				"confidence":  0.6,
				"bbox_pixels": map[string]any{"x": 0, "y": 0, "w": 320, "h": 240},
				"image":       map[string]any{"width": 640, "height": 480},
			},
			// pixel box without an image size is read as a centre box
			map[string]any{"label": "cat", "c": 0.9, "x": 0.3, "y": 0.4, "w": 0.1, "h": 0.1, "bbox_pixels": map[string]any{"x": 5}},
		},
	})
	require.NoError(t, err)

	dets := DetectionsFromStruct(s)
	require.Len(t, dets, 2)
	assert.Equal(t, pipeline.RawDetection{Label: "bike", Confidence: 0.6, X: 0.25, Y: 0.25, W: 0.5, H: 0.5}, dets[0])
	assert.Equal(t, pipeline.RawDetection{Label: "cat", Confidence: 0.9, X: 0.3, Y: 0.4, W: 0.1, H: 0.1}, dets[1])
}

func TestNewModelInfo(t *testing.T) {
	caps := &Capabilities{ModelWidth: 640, ModelHeight: 636, Classes: []string{"person"}}

	tests := []struct {
		scale  config.ScaleMode
		width  int
		height int
		aspect string
	}{
		{scale: config.ScaleCrop, width: 640, height: 632, aspect: "1:1"},
		{scale: config.ScaleBalanced, width: 848, height: 632, aspect: "4:3"},
		{scale: config.ScaleLetterbox, width: 1128, height: 632, aspect: "16:9"},
	}
	for _, tt := range tests {
		t.Run(tt.scale.String(), func(t *testing.T) {
			m := NewModelInfo("http://hub", tt.scale, caps)
			assert.Equal(t, tt.width, m.VideoWidth)
			assert.Equal(t, tt.height, m.VideoHeight)
			assert.Equal(t, tt.aspect, m.VideoAspect)
			assert.Equal(t, HubInfo{URL: "http://hub", ModelWidth: 640, ModelHeight: 636, Classes: 1}, m.Hub)
			assert.Equal(t, []string{"person"}, m.Classes)
		})
	}
}
