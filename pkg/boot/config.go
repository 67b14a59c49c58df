package boot

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/keelson-run/keelson/pkg/log"
)

// corruptConfigKey is the top-level key of the known corrupt-config
// shape: a serialization bug in an earlier gateway build wrote the
// literal string "undefined" as a key, and configs carrying it make the
// gateway fail on load. Quarantine deletes the config and the local
// last-sync marker together so the next restore decision is not
// short-circuited by a stale timestamp.
const corruptConfigKey = "undefined"

// quarantine removes a local config carrying the known-corrupt shape.
// Reports whether anything was quarantined. A config that does not parse
// as JSON at all is left alone; only the specific bad key is targeted.
func (p *Protocol) quarantine() (bool, error) {
	raw, err := os.ReadFile(p.Paths.ConfigFile())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read config: %w", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return false, nil
	}
	if _, bad := cfg[corruptConfigKey]; !bad {
		return false, nil
	}
	log.Warn("quarantining corrupt configuration", "key", corruptConfigKey)
	if err := os.Remove(p.Paths.ConfigFile()); err != nil {
		return false, fmt.Errorf("remove corrupt config: %w", err)
	}
	if err := os.Remove(p.Paths.LastSync()); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove local last-sync: %w", err)
	}
	return true, nil
}

// initializeConfig writes the built-in template when no config exists
// after restore.
func (p *Protocol) initializeConfig() error {
	if _, err := os.Stat(p.Paths.ConfigFile()); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config: %w", err)
	}
	log.Info("no configuration found, initializing from template")
	return p.writeConfig(templateConfig())
}

func templateConfig() map[string]any {
	return map[string]any{
		"gateway": map[string]any{
			"bind": DefaultBindMode,
			"port": 8899,
		},
		"model": map[string]any{
			"provider": "",
			"id":       "",
		},
		"skills": map[string]any{
			"enabled": true,
		},
	}
}

func (p *Protocol) readConfig() (map[string]any, error) {
	raw, err := os.ReadFile(p.Paths.ConfigFile())
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (p *Protocol) writeConfig(cfg map[string]any) error {
	if _, bad := cfg[corruptConfigKey]; bad {
		return fmt.Errorf("refusing to write config with %q key", corruptConfigKey)
	}
	if err := os.MkdirAll(p.Paths.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(p.Paths.ConfigFile(), append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

type overrideKind int

const (
	kindString overrideKind = iota
	kindInt
	kindBool
)

type override struct {
	env  string
	path []string
	kind overrideKind
}

// overrides maps environment variables onto config paths. Values are
// validated by type; a value that does not parse is skipped with a
// warning rather than written raw.
var overrides = []override{
	{"KEELSON_MODEL_PROVIDER", []string{"model", "provider"}, kindString},
	{"KEELSON_MODEL_ID", []string{"model", "id"}, kindString},
	{"KEELSON_GATEWAY_BIND", []string{"gateway", "bind"}, kindString},
	{"KEELSON_GATEWAY_PORT", []string{"gateway", "port"}, kindInt},
	{"KEELSON_GATEWAY_TOKEN", []string{"gateway", "token"}, kindString},
	{"KEELSON_TELEGRAM_TOKEN", []string{"channels", "telegram", "token"}, kindString},
	{"KEELSON_DISCORD_TOKEN", []string{"channels", "discord", "token"}, kindString},
	{"KEELSON_SKILLS_ENABLED", []string{"skills", "enabled"}, kindBool},
}

// applyOverrides overlays environment-supplied settings onto the config.
func (p *Protocol) applyOverrides() error {
	cfg, err := p.readConfig()
	if err != nil {
		return err
	}
	changed := false
	for _, o := range overrides {
		raw := p.getenv(o.env)
		if raw == "" {
			continue
		}
		var value any
		switch o.kind {
		case kindInt:
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				log.Warn("skipping override: not an integer", "env", o.env, "value", raw)
				continue
			}
			value = n
		case kindBool:
			b, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				log.Warn("skipping override: not a boolean", "env", o.env, "value", raw)
				continue
			}
			value = b
		default:
			value = raw
		}
		if err := setNested(cfg, o.path, value); err != nil {
			return fmt.Errorf("apply %s: %w", o.env, err)
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return p.writeConfig(cfg)
}

// setNested writes value at path, creating intermediate maps. It refuses
// the corrupt key anywhere in the path and refuses to descend through a
// non-map value.
func setNested(cfg map[string]any, path []string, value any) error {
	for _, seg := range path {
		if seg == corruptConfigKey {
			return fmt.Errorf("path segment %q is the quarantined key", seg)
		}
	}
	node := cfg
	for _, seg := range path[:len(path)-1] {
		child, ok := node[seg]
		if !ok {
			next := map[string]any{}
			node[seg] = next
			node = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %q is not an object", seg)
		}
		node = next
	}
	node[path[len(path)-1]] = value
	return nil
}
