package nina

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/v2/api", 2*time.Second, 2, nil), srv
}

func writeEnvelope(w http.ResponseWriter, response any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"Response":   response,
		"Error":      "",
		"StatusCode": 200,
		"Success":    true,
		"Type":       "API",
	})
}

func TestFetch_Camera(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/api/equipment/camera/info" {
			http.NotFound(w, r)
			return
		}
		writeEnvelope(w, map[string]any{
			"Temperature": -10.5,
			"CoolerOn":    true,
			"TargetTemp":  -10,
			"Name":        "ZWO ASI2600MM",
			"Connected":   true,
		})
	})

	res, err := c.Fetch(context.Background(), "camera")
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if res.Class != "camera" || res.FetchedAt.IsZero() {
		t.Errorf("unexpected result metadata: %+v", res)
	}
	if res.Values["temperature"] != -10.5 {
		t.Errorf("temperature = %v", res.Values["temperature"])
	}
	if res.Values["cooler_on"] != true {
		t.Errorf("cooler_on = %v", res.Values["cooler_on"])
	}
	if res.Values["target_temp"] != float64(-10) {
		t.Errorf("target_temp = %v", res.Values["target_temp"])
	}
}

func TestFetch_Application(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/v2/api/version":
			writeEnvelope(w, "2.1.0.0")
		case "/v2/api/application-start":
			writeEnvelope(w, "2026-10-16T20:00:00Z")
		default:
			http.NotFound(w, r)
		}
	})

	res, err := c.Fetch(context.Background(), "application")
	if err != nil {
		t.Fatal(err)
	}
	if res.Values["nina_version"] != "2.1.0.0" || res.Values["application_start"] != "2026-10-16T20:00:00Z" {
		t.Errorf("values = %v", res.Values)
	}
	if int(calls.Load()) != c.Cost("application") {
		t.Errorf("application poll made %d calls, Cost() = %d", calls.Load(), c.Cost("application"))
	}
}

func TestFetch_PreparedImage(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/api/prepared-image" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("autoPrepare") != "true" || r.URL.Query().Get("stream") != "true" {
			http.Error(w, "missing params", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff})
	})

	res, err := c.Fetch(context.Background(), "most_recent_image")
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasImage() || len(res.Image) != 3 {
		t.Errorf("image = %v", res.Image)
	}
}

func TestFetch_Livestack(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.EscapedPath() {
		case "/v2/api/livestack/image/available":
			writeEnvelope(w, []map[string]any{{"Target": "M 31", "Filter": "Ha"}})
		case "/v2/api/livestack/image/M%2031/Ha":
			w.Write([]byte("stack"))
		default:
			http.NotFound(w, r)
		}
	})

	res, err := c.Fetch(context.Background(), "livestack")
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Image) != "stack" {
		t.Errorf("image = %q", res.Image)
	}
}

func TestFetch_LivestackNoneAvailable(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []any{})
	})

	res, err := c.Fetch(context.Background(), "livestack")
	if err != nil {
		t.Fatal(err)
	}
	if res.HasImage() {
		t.Error("expected no image")
	}
}

func TestFetch_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		handler   http.HandlerFunc
		transient bool
	}{
		{
			name:      "server error",
			handler:   func(w http.ResponseWriter, r *http.Request) { http.Error(w, "boom", http.StatusInternalServerError) },
			transient: true,
		},
		{
			name:      "not found",
			handler:   func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
			transient: false,
		},
		{
			name:      "too many requests",
			handler:   func(w http.ResponseWriter, r *http.Request) { http.Error(w, "slow down", http.StatusTooManyRequests) },
			transient: true,
		},
		{
			name: "malformed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{not json"))
			},
			transient: false,
		},
		{
			name: "envelope failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"Success": false, "Error": "Camera not connected", "StatusCode": 409})
			},
			transient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestServer(t, tt.handler)
			_, err := c.Fetch(context.Background(), "camera")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, got, tt.transient)
			}
		})
	}
}

func TestFetch_EnvelopeStatusCode(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"Success": false, "Error": "Camera not connected", "StatusCode": 409})
	})

	_, err := c.Fetch(context.Background(), "camera")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T: %v", err, err)
	}
	if se.StatusCode != 409 || se.Message != "Camera not connected" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestFetch_ConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, time.Second, 1, nil)
	_, err := c.Fetch(context.Background(), "camera")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("connection failure should be transient: %v", err)
	}
}

func TestFetch_UnsupportedDevice(t *testing.T) {
	t.Parallel()
	c := NewClient("http://127.0.0.1:1", time.Second, 1, nil)
	_, err := c.Fetch(context.Background(), "telescope")
	if !errors.Is(err, ErrUnsupportedDevice) {
		t.Errorf("err = %v, want ErrUnsupportedDevice", err)
	}
	if IsTransient(err) {
		t.Error("unsupported device must not be transient")
	}
}

func TestExecute_MountTracking(t *testing.T) {
	t.Parallel()
	var gotQuery string
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/api/equipment/mount/tracking" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		writeEnvelope(w, "Tracking mode changed")
	})

	cmd, err := ParseCommand("mount", []byte(`{"action":"track","mode":"lunar"}`))
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Execute(context.Background(), "mount", cmd)
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery != "mode=1" {
		t.Errorf("query = %q, want mode=1", gotQuery)
	}
	if !strings.Contains(string(out), `"action":"tracking"`) || !strings.Contains(string(out), "Tracking mode changed") {
		t.Errorf("result = %s", out)
	}
}

func TestExecute_Screenshot(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("quality") != "80" {
			http.Error(w, "quality not passed", http.StatusBadRequest)
			return
		}
		w.Write([]byte("png"))
	})

	cmd, err := ParseCommand("screenshot", []byte(`{"action":"screenshot","quality":80}`))
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Execute(context.Background(), "screenshot", cmd)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	img, _ := base64.StdEncoding.DecodeString(decoded["image_base64"])
	if string(img) != "png" {
		t.Errorf("decoded image = %q", img)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "2.1.0.0")
	})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping error: %v", err)
	}
}

type fakeWatcher struct{ ready bool }

func (f fakeWatcher) IsReady() bool { return f.ready }

func TestIsReady(t *testing.T) {
	t.Parallel()
	c := NewClient("http://127.0.0.1:1", time.Second, 1, nil)
	if !c.IsReady() {
		t.Error("client without watcher should report ready")
	}
	c.SetWatcher(fakeWatcher{ready: false})
	if c.IsReady() {
		t.Error("client should follow its watcher")
	}
}
