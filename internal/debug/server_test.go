package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/roostlabs/roostd/internal/common/logger"
)

type staticProvider map[string]interface{}

func (p staticProvider) DebugStatus() map[string]interface{} { return p }

func startServer(t *testing.T, provider StatusProvider) *Server {
	t.Helper()
	s := NewServer(0, provider, logger.Default())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	s := startServer(t, nil)

	var body map[string]string
	if code := getJSON(t, "http://"+s.Addr()+"/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusReflectsProvider(t *testing.T) {
	s := startServer(t, staticProvider{"status": "running", "agentCount": 3})

	var body map[string]interface{}
	if code := getJSON(t, "http://"+s.Addr()+"/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "running" || body["agentCount"] != float64(3) {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusWithoutProvider(t *testing.T) {
	s := startServer(t, nil)
	if code := getJSON(t, "http://"+s.Addr()+"/status", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}
