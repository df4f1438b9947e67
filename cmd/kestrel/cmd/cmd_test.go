package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kestrel/core/config"
	"kestrel/core/kernel"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// run executes the CLI with args and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Scheduler.HeartbeatInterval = 0
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.SaveGeneratedConfig(cfg, path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

func TestConfigGenerateAndValidate(t *testing.T) {
	file := filepath.Join(t.TempDir(), "kestrel.yaml")
	out, err := run(t, "config", "generate", "--minimal", "--file", file)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, file) {
		t.Fatalf("unexpected output %q", out)
	}
	cfg, err := config.ReadFile(file)
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	if cfg.Persistence.Driver != "file" || cfg.Component("echo") == nil {
		t.Fatalf("minimal config missing sections: %+v", cfg.Persistence)
	}

	out, err = run(t, "config", "validate", file)
	if err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("validate: %v (%s)", err, out)
	}
	if _, err := run(t, "config", "validate", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("validating a missing file should fail")
	}
}

func TestDevCommand(t *testing.T) {
	path := writeConfig(t, nil)
	out, err := run(t, "dev", "-c", path, "--ticks", "3", "--delay", "1ms", "-o", "json")
	if err != nil {
		t.Fatalf("dev: %v", err)
	}
	var st kernel.Status
	if err := json.Unmarshal([]byte(out[strings.Index(out, "{"):]), &st); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	if st.State != kernel.StateRunning {
		t.Fatalf("state during last tick = %s", st.State)
	}
	if st.Components != len(builtinComponents()) || st.Active != st.Components {
		t.Fatalf("components = %d active = %d", st.Components, st.Active)
	}
}

func TestControlCommands(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server not ready")
	}
	defer ns.Shutdown()

	path := writeConfig(t, func(cfg *config.Config) {
		cfg.Bridge.Enabled = true
		cfg.Bridge.URL = ns.ClientURL()
		cfg.Bridge.SubjectPrefix = "clitest"
	})
	cfg, err := config.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	rt, err := newRuntime(cfg, runtimeOptions{Bridge: true})
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.close(context.Background())
	ctx := context.Background()
	if err := rt.host.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer rt.host.Shutdown(ctx)

	out, err := run(t, "status", "-c", path, "-o", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st kernel.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	// echo, sink and the bridge forwarder
	if st.State != kernel.StateRunning || st.Components != 3 {
		t.Fatalf("unexpected status %+v", st)
	}

	if out, err := run(t, "pause", "-c", path); err != nil || !strings.Contains(out, "paused") {
		t.Fatalf("pause: %v (%s)", err, out)
	}
	if rt.host.State() != kernel.StatePaused {
		t.Fatalf("host state = %s", rt.host.State())
	}
	if _, err := run(t, "resume", "-c", path); err != nil {
		t.Fatalf("resume: %v", err)
	}

	out, err = run(t, "components", "list", "-c", path, "-o", "table")
	if err != nil {
		t.Fatalf("components list: %v", err)
	}
	for _, name := range []string{"echo", "sink", "bridge"} {
		if !strings.Contains(out, name) {
			t.Fatalf("components list missing %s:\n%s", name, out)
		}
	}
	if _, err := run(t, "components", "disable", "sink", "-c", path); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if info, _ := rt.host.Orchestrator().Get("sink"); info.Enabled {
		t.Fatal("sink should be disabled")
	}
	if _, err := run(t, "components", "enable", "ghost", "-c", path); err == nil {
		t.Fatal("enabling an unknown component should fail")
	}
}
