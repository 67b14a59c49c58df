package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/keelson-run/keelson/pkg/backup"
	"github.com/keelson-run/keelson/pkg/config"
	"github.com/keelson-run/keelson/pkg/runtime/docker"
	"github.com/keelson-run/keelson/pkg/store"
	"github.com/keelson-run/keelson/pkg/supervisor"
)

// fakeExecer answers container commands from canned outputs keyed by a
// command substring. Unmatched commands report exit code 1.
type fakeExecer struct {
	outputs map[string]string
}

func (f *fakeExecer) Run(_ context.Context, argv []string) (docker.RunResult, error) {
	cmd := strings.Join(argv, " ")
	for key, out := range f.outputs {
		if strings.Contains(cmd, key) {
			return docker.RunResult{Stdout: out}, nil
		}
	}
	return docker.RunResult{ExitCode: 1}, nil
}

func (f *fakeExecer) Exec(context.Context, []string, []string) (docker.Handle, error) {
	return nil, fmt.Errorf("exec not supported in this fake")
}

func newTestApp(fake *fakeExecer) *app {
	cfg := config.Default()
	cfg.Container.ID = "agent-1"
	sup := supervisor.New(fake)
	return &app{
		cfg:    cfg,
		runner: fake,
		sup:    sup,
		engine: backup.NewEngine(fake, store.NewManager(fake, store.Credentials{}), sup),
	}
}

func TestHandleStatus(t *testing.T) {
	bootStamp := strconv.FormatInt(time.Now().Add(-700*time.Second).Unix(), 10)
	fake := &fakeExecer{outputs: map[string]string{
		"ps -eo": " PID STAT ARGS\n  12 S    keelson-gateway serve\n",
		"cat /data/.boot-ts":            bootStamp + "\n",
		"test -f /data/.restore-complete": "",
		"cat /data/.last-sync":          "2026-08-30T10:00:00Z\n",
		"cat /mnt/state/backup/.last-sync": "2026-08-31T10:00:00Z\n",
	}}
	a := newTestApp(fake)

	rec := httptest.NewRecorder()
	a.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var rep statusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if !rep.GatewayRunning || rep.GatewayPID != 12 {
		t.Errorf("gateway = %+v", rep)
	}
	if !rep.RestoreComplete {
		t.Error("restore-complete marker not reported")
	}
	if rep.BootAgeSeconds < 699 || rep.BootAgeSeconds > 702 {
		t.Errorf("boot age = %d", rep.BootAgeSeconds)
	}
	if rep.LocalLastSync != "2026-08-30T10:00:00Z" {
		t.Errorf("local last sync = %q", rep.LocalLastSync)
	}
	if rep.RemoteLastSync != "2026-08-31T10:00:00Z" {
		t.Errorf("remote last sync = %q", rep.RemoteLastSync)
	}
}

func TestHandleSyncRequiresPost(t *testing.T) {
	a := newTestApp(&fakeExecer{})
	rec := httptest.NewRecorder()
	a.handleSync(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandleSyncNotConfigured(t *testing.T) {
	a := newTestApp(&fakeExecer{})
	rec := httptest.NewRecorder()
	a.handleSync(rec, httptest.NewRequest(http.MethodPost, "/sync?force=true", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["success"] != false {
		t.Errorf("success = %v", body["success"])
	}
	if !strings.Contains(body["error"].(string), "not configured") {
		t.Errorf("error = %v", body["error"])
	}
}

func TestHandleEnsureGatewayReturnsRunningHandle(t *testing.T) {
	fake := &fakeExecer{outputs: map[string]string{
		"ps -eo": " PID STAT ARGS\n  12 S    keelson-gateway serve\n",
	}}
	a := newTestApp(fake)

	rec := httptest.NewRecorder()
	a.handleEnsureGateway(rec, httptest.NewRequest(http.MethodPost, "/gateway/ensure", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["pid"].(float64) != 12 {
		t.Errorf("pid = %v", body["pid"])
	}
}

func TestRenderStatus(t *testing.T) {
	out := renderStatus(statusReport{
		Container:       "agent-1",
		GatewayRunning:  true,
		GatewayPID:      42,
		BootAgeSeconds:  700,
		RestoreComplete: true,
		LocalLastSync:   "2026-08-30T10:00:00Z",
	})
	for _, want := range []string{"agent-1", "running (pid 42)", "700s", "2026-08-30T10:00:00Z", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered status missing %q:\n%s", want, out)
		}
	}
}
