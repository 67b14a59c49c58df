package boot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/keelson-run/keelson/pkg/lifecycle"
)

func newTestProtocol(t *testing.T) *Protocol {
	t.Helper()
	p := New()
	p.Paths = lifecycle.Paths{DataRoot: t.TempDir()}
	p.Remote = lifecycle.RemotePaths{MountDir: t.TempDir()}
	p.SkipStart = true
	p.getenv = func(string) string { return "" }
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	p.gatewayAlive = func(context.Context, string) (bool, error) { return false, nil }
	p.launch = func([]string) (bool, int, error) {
		t.Fatal("launch called with SkipStart set")
		return false, 0, nil
	}
	return p
}

func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var names []string
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		body := files[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("write body %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(raw)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRunFreshContainer(t *testing.T) {
	p := newTestProtocol(t)

	phase, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseConfigApplied {
		t.Fatalf("phase = %s, want %s", phase, PhaseConfigApplied)
	}
	if got := strings.TrimSpace(readFile(t, p.Paths.BootStamp())); got != "1700000000" {
		t.Errorf("boot stamp = %q", got)
	}
	if !exists(p.Paths.RestoreComplete()) {
		t.Error("restore-complete marker missing")
	}
	if exists(p.Paths.LastSync()) {
		t.Error("fresh container should have no local last-sync")
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(readFile(t, p.Paths.ConfigFile())), &cfg); err != nil {
		t.Fatalf("template config does not parse: %v", err)
	}
	if _, ok := cfg["gateway"]; !ok {
		t.Error("template config missing gateway section")
	}
}

func TestRunIdempotentWhenGatewayRunning(t *testing.T) {
	p := newTestProtocol(t)
	p.gatewayAlive = func(context.Context, string) (bool, error) { return true, nil }

	phase, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseGatewayRunning {
		t.Fatalf("phase = %s, want %s", phase, PhaseGatewayRunning)
	}
	if exists(p.Paths.BootStamp()) {
		t.Error("idempotent boot should not rewrite the boot stamp")
	}
}

func TestQuarantineCorruptConfig(t *testing.T) {
	p := newTestProtocol(t)
	if err := os.MkdirAll(p.Paths.ConfigDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	corrupt := `{"undefined": {"leak": true}, "gateway": {"port": 1}}`
	if err := os.WriteFile(p.Paths.ConfigFile(), []byte(corrupt), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.Paths.LastSync(), []byte("2026-01-01T00:00:00Z\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg := readFile(t, p.Paths.ConfigFile())
	if strings.Contains(cfg, `"undefined"`) {
		t.Error("corrupt key survived quarantine")
	}
	if exists(p.Paths.LastSync()) {
		t.Error("local last-sync must be removed together with the corrupt config")
	}
}

func TestQuarantineLeavesHealthyConfig(t *testing.T) {
	p := newTestProtocol(t)
	if err := os.MkdirAll(p.Paths.ConfigDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	healthy := `{"gateway": {"port": 4242}}` + "\n"
	if err := os.WriteFile(p.Paths.ConfigFile(), []byte(healthy), 0o600); err != nil {
		t.Fatal(err)
	}

	quarantined, err := p.quarantine()
	if err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if quarantined {
		t.Fatal("healthy config was quarantined")
	}
	if got := readFile(t, p.Paths.ConfigFile()); got != healthy {
		t.Errorf("config changed: %q", got)
	}
}

func TestRestoreWhenSnapshotNewer(t *testing.T) {
	p := newTestProtocol(t)
	backupDir := p.Remote.BackupDir()
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		t.Fatal(err)
	}

	configFiles := map[string]string{
		"gateway.json":     `{"gateway": {"port": 4000}, "restored": true}`,
		"notes/README.md":  "restored notes\n",
		"sessions/one.jsonl": `{"id": "one"}` + "\n",
	}
	skillFiles := map[string]string{
		"weather/skill.md": "# weather\n",
	}
	writeArchive(t, filepath.Join(backupDir, lifecycle.ConfigArchive), configFiles)
	writeArchive(t, filepath.Join(backupDir, lifecycle.SkillsArchive), skillFiles)
	stamp := "2026-08-30T12:00:00Z"
	if err := os.WriteFile(p.Remote.LastSync(), []byte(stamp+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	phase, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseConfigApplied {
		t.Fatalf("phase = %s, want %s", phase, PhaseConfigApplied)
	}
	for name, want := range configFiles {
		if got := readFile(t, filepath.Join(p.Paths.ConfigDir(), name)); got != want {
			t.Errorf("restored %s = %q, want %q", name, got, want)
		}
	}
	for name, want := range skillFiles {
		if got := readFile(t, filepath.Join(p.Paths.SkillsDir(), name)); got != want {
			t.Errorf("restored %s = %q, want %q", name, got, want)
		}
	}
	if got := strings.TrimSpace(readFile(t, p.Paths.LastSync())); got != stamp {
		t.Errorf("local last-sync = %q, want %q", got, stamp)
	}
}

func TestRestoreSkippedWhenLocalNewer(t *testing.T) {
	p := newTestProtocol(t)
	if err := os.MkdirAll(p.Paths.ConfigDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	local := `{"gateway": {"port": 4242}}` + "\n"
	if err := os.WriteFile(p.Paths.ConfigFile(), []byte(local), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.Paths.LastSync(), []byte("2026-08-31T00:00:00Z\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	backupDir := p.Remote.BackupDir()
	writeArchive(t, filepath.Join(backupDir, lifecycle.ConfigArchive), map[string]string{
		"gateway.json": `{"stale": true}`,
	})
	if err := os.WriteFile(p.Remote.LastSync(), []byte("2026-08-30T00:00:00Z\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := readFile(t, p.Paths.ConfigFile()); got != local {
		t.Errorf("older snapshot overwrote newer local state: %q", got)
	}
}

func TestRestoreLegacyFlatLayout(t *testing.T) {
	p := newTestProtocol(t)
	writeArchive(t, filepath.Join(p.Remote.MountDir, lifecycle.ConfigArchive), map[string]string{
		"gateway.json": `{"legacy": true}`,
	})
	if err := os.WriteFile(p.Remote.LegacyLastSync(), []byte("2026-08-30T12:00:00Z\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	restored, err := p.restore()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored {
		t.Fatal("legacy layout snapshot was not restored")
	}
	if got := readFile(t, p.Paths.ConfigFile()); got != `{"legacy": true}` {
		t.Errorf("restored config = %q", got)
	}
}

func TestRestoreIgnoresMalformedStamp(t *testing.T) {
	p := newTestProtocol(t)
	backupDir := p.Remote.BackupDir()
	writeArchive(t, filepath.Join(backupDir, lifecycle.ConfigArchive), map[string]string{
		"gateway.json": `{}`,
	})
	if err := os.WriteFile(p.Remote.LastSync(), []byte("not a date\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	restored, err := p.restore()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored {
		t.Fatal("restore ran on a malformed snapshot timestamp")
	}
}

func TestRestoredSnapshotIsRequarantined(t *testing.T) {
	p := newTestProtocol(t)
	backupDir := p.Remote.BackupDir()
	writeArchive(t, filepath.Join(backupDir, lifecycle.ConfigArchive), map[string]string{
		"gateway.json": `{"undefined": 1}`,
	})
	if err := os.WriteFile(p.Remote.LastSync(), []byte("2026-08-30T12:00:00Z\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg := readFile(t, p.Paths.ConfigFile())
	if strings.Contains(cfg, `"undefined"`) {
		t.Error("corrupt snapshot config survived the post-restore quarantine")
	}
	if exists(p.Paths.LastSync()) {
		t.Error("last-sync from the corrupt snapshot must be removed so restore can retry later")
	}
}

func TestApplyOverrides(t *testing.T) {
	env := map[string]string{
		"KEELSON_MODEL_PROVIDER": "anthropic",
		"KEELSON_GATEWAY_PORT":   "9100",
		"KEELSON_SKILLS_ENABLED": "false",
		"KEELSON_DISCORD_TOKEN":  "dsc-123",
	}
	p := newTestProtocol(t)
	p.getenv = func(key string) string { return env[key] }

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := p.readConfig()
	if err != nil {
		t.Fatal(err)
	}
	model := cfg["model"].(map[string]any)
	if model["provider"] != "anthropic" {
		t.Errorf("model.provider = %v", model["provider"])
	}
	gateway := cfg["gateway"].(map[string]any)
	if got := gateway["port"].(float64); got != 9100 {
		t.Errorf("gateway.port = %v", got)
	}
	skills := cfg["skills"].(map[string]any)
	if skills["enabled"] != false {
		t.Errorf("skills.enabled = %v", skills["enabled"])
	}
	channels := cfg["channels"].(map[string]any)
	discord := channels["discord"].(map[string]any)
	if discord["token"] != "dsc-123" {
		t.Errorf("channels.discord.token = %v", discord["token"])
	}
}

func TestApplyOverridesSkipsIllTypedValues(t *testing.T) {
	p := newTestProtocol(t)
	p.getenv = func(key string) string {
		if key == "KEELSON_GATEWAY_PORT" {
			return "not-a-port"
		}
		return ""
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := p.readConfig()
	if err != nil {
		t.Fatal(err)
	}
	gateway := cfg["gateway"].(map[string]any)
	if got := gateway["port"].(float64); got != 8899 {
		t.Errorf("gateway.port = %v, want template default", got)
	}
}

func TestSetNestedRefusesQuarantinedKey(t *testing.T) {
	if err := setNested(map[string]any{}, []string{"undefined", "token"}, "x"); err == nil {
		t.Fatal("setNested accepted the quarantined key")
	}
}

func TestWriteConfigRefusesQuarantinedKey(t *testing.T) {
	p := newTestProtocol(t)
	err := p.writeConfig(map[string]any{"undefined": 1})
	if err == nil {
		t.Fatal("writeConfig accepted the quarantined key")
	}
}

func TestGatewayArgv(t *testing.T) {
	tests := []struct {
		name string
		cfg  GatewayConfig
		want []string
	}{
		{
			name: "defaults fall back to pairing",
			cfg:  GatewayConfig{},
			want: []string{"keelson-gateway", "serve", "--bind", "loopback", "--pairing"},
		},
		{
			name: "fixed token",
			cfg:  GatewayConfig{BindMode: "all", AuthToken: "tok-1"},
			want: []string{"keelson-gateway", "serve", "--bind", "all", "--token", "tok-1"},
		},
		{
			name: "custom command",
			cfg:  GatewayConfig{Command: []string{"node", "gateway.js"}},
			want: []string{"node", "gateway.js", "--bind", "loopback", "--pairing"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.cfg.argv()
			if len(got) != len(tc.want) {
				t.Fatalf("argv = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("argv = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestGatewayImmediateExitIsCrash(t *testing.T) {
	p := newTestProtocol(t)
	p.SkipStart = false
	p.launch = func([]string) (bool, int, error) { return true, 3, nil }

	phase, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("immediate gateway exit was not reported")
	}
	if !strings.Contains(err.Error(), "exited immediately with code 3") {
		t.Errorf("err = %v", err)
	}
	if phase != PhaseGatewayStarting {
		t.Errorf("phase = %s, want %s", phase, PhaseGatewayStarting)
	}
}

func TestGatewayStartSurvivesCrashWindow(t *testing.T) {
	p := newTestProtocol(t)
	p.SkipStart = false
	var gotArgv []string
	p.launch = func(argv []string) (bool, int, error) {
		gotArgv = argv
		return false, 0, nil
	}

	phase, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseGatewayRunning {
		t.Fatalf("phase = %s, want %s", phase, PhaseGatewayRunning)
	}
	if len(gotArgv) == 0 || gotArgv[0] != "keelson-gateway" {
		t.Errorf("launch argv = %v", gotArgv)
	}
}

func TestExtractArchiveRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.tar.gz")
	writeArchive(t, src, map[string]string{"../evil.txt": "nope"})

	if err := extractArchive(src, filepath.Join(dir, "out")); err == nil {
		t.Fatal("escaping archive entry was extracted")
	}
}

func TestPhaseString(t *testing.T) {
	if got := PhaseGatewayRunning.String(); got != "gateway-running" {
		t.Errorf("String = %q", got)
	}
	if got := Phase(42).String(); got != "phase(42)" {
		t.Errorf("String = %q", got)
	}
}
