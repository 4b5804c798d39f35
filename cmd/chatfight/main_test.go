package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/chatfight/internal/config"
	"github.com/stellarlinkco/chatfight/internal/gateway"
	"github.com/stellarlinkco/chatfight/internal/state"
)

func setupHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	for _, key := range []string{
		"CHATFIGHT_TELEGRAM_TOKEN", "CHATFIGHT_BOT_ID", "CHATFIGHT_GROUP_ID",
		"CHATFIGHT_ADMIN_IDS", "CHATFIGHT_VISION_API_KEY", "GROQ_API_KEY",
		"CHATFIGHT_VISION_PROVIDER", "CHATFIGHT_STORE_DRIVER", "CHATFIGHT_STORE_DSN",
		"MONGO_URI", "POSTGRES_URL", "CHATFIGHT_LOG_LEVEL", "CHATFIGHT_LOG_FORMAT",
		"CHATFIGHT_METRICS_ADDR", "CHATFIGHT_TELEGRAM_MODE", "API_ID", "API_HASH",
		"CHATFIGHT_TELEGRAM_API_ID", "CHATFIGHT_TELEGRAM_API_HASH", "CHATFIGHT_TELEGRAM_PHONE",
		"CHATFIGHT_TELEGRAM_PASSWORD", "CHATFIGHT_TELEGRAM_SESSION",
	} {
		t.Setenv(key, "")
	}
	onFlag, offFlag, senderFlag, chatFlag = false, false, 0, 0
	return tmpDir
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())
	return cmd, &buf
}

func setGameEnv(t *testing.T) {
	t.Setenv("API_ID", "12345")
	t.Setenv("API_HASH", "0123456789abcdef")
	t.Setenv("CHATFIGHT_BOT_ID", "4242")
	t.Setenv("CHATFIGHT_GROUP_ID", "-100123")
}

type fakeRunner struct {
	ran bool
	err error
}

func (r *fakeRunner) Run(ctx context.Context) error {
	r.ran = true
	return r.err
}

func TestInit(t *testing.T) {
	for _, name := range []string{"run", "onboard", "status", "toggle", "classify"} {
		if _, _, err := rootCmd.Find([]string{name}); err != nil {
			t.Errorf("command %q not registered: %v", name, err)
		}
	}
	if toggleCmd.Flags().Lookup("on") == nil || toggleCmd.Flags().Lookup("off") == nil {
		t.Error("toggle flags should exist")
	}
	if classifyCmd.Flags().Lookup("sender") == nil {
		t.Error("sender flag should exist")
	}
}

func TestRunOnboard(t *testing.T) {
	tmpDir := setupHome(t)
	cmd, out := newTestCmd()

	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}

	cfgPath := filepath.Join(tmpDir, ".chatfight", "config.json")
	if _, err := os.Stat(cfgPath); err != nil {
		t.Errorf("config file was not created: %v", err)
	}
	if !strings.Contains(out.String(), "Created config") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestRunOnboard_AlreadyExists(t *testing.T) {
	tmpDir := setupHome(t)
	cfgDir := filepath.Join(tmpDir, ".chatfight")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(`{"telegram":{"token":"keep"}}`), 0644)

	cmd, out := newTestCmd()
	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}
	if !strings.Contains(out.String(), "Config already exists") {
		t.Errorf("expected 'Config already exists', got: %s", out.String())
	}

	data, _ := os.ReadFile(filepath.Join(cfgDir, "config.json"))
	if !strings.Contains(string(data), "keep") {
		t.Error("existing config should not be overwritten")
	}
}

func TestRunStatus(t *testing.T) {
	setupHome(t)
	setGameEnv(t)
	t.Setenv("CHATFIGHT_VISION_API_KEY", "gsk_1234567890")
	t.Setenv("CHATFIGHT_STORE_DRIVER", "memory")

	cmd, out := newTestCmd()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	output := out.String()
	for _, want := range []string{"Game bot: 4242", "Group: -100123", "API Key: gsk_...7890", "Store: memory", "DESACTIVADO", "Nunca"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestRunStatus_Unconfigured(t *testing.T) {
	setupHome(t)
	t.Setenv("CHATFIGHT_STORE_DRIVER", "memory")

	cmd, out := newTestCmd()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	if !strings.Contains(out.String(), "Game bot: not set") || !strings.Contains(out.String(), "API Key: not set") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestRunStatus_StoreUnavailable(t *testing.T) {
	setupHome(t)
	t.Setenv("CHATFIGHT_STORE_DRIVER", "redis")

	cmd, out := newTestCmd()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	if !strings.Contains(out.String(), "State: unavailable") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

type closeFailStore struct {
	*state.MemoryStore
}

func (s closeFailStore) Close() error {
	return errors.New("disconnect mongo: context deadline exceeded")
}

func TestOpenState_CloseErrorIsLogged(t *testing.T) {
	setupHome(t)
	orig := newStore
	newStore = func(ctx context.Context, cfg config.StoreConfig) (state.Store, error) {
		return closeFailStore{state.NewMemoryStore()}, nil
	}
	t.Cleanup(func() { newStore = orig })

	cfg := config.DefaultConfig()
	cfg.Store.Driver = config.StoreDriverMongo
	var stderr bytes.Buffer
	_, closeFn, err := openState(context.Background(), cfg, &stderr)
	if err != nil {
		t.Fatalf("openState: %v", err)
	}
	closeFn()

	if !strings.Contains(stderr.String(), "close state store failed") || !strings.Contains(stderr.String(), "context deadline exceeded") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunToggle_PersistsAcrossRuns(t *testing.T) {
	setupHome(t)

	cmd, out := newTestCmd()
	if err := runToggle(cmd, nil); err != nil {
		t.Fatalf("runToggle error: %v", err)
	}
	if !strings.Contains(out.String(), "Activado") {
		t.Errorf("first toggle should enable, got: %s", out.String())
	}

	cmd, out = newTestCmd()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	if !strings.Contains(out.String(), "ACTIVADO") || strings.Contains(out.String(), "DESACTIVADO") {
		t.Errorf("status should show enabled state from sqlite:\n%s", out.String())
	}

	offFlag = true
	cmd, out = newTestCmd()
	if err := runToggle(cmd, nil); err != nil {
		t.Fatalf("runToggle error: %v", err)
	}
	if !strings.Contains(out.String(), "Desactivado") {
		t.Errorf("--off should disable, got: %s", out.String())
	}

	// --off is idempotent
	cmd, out = newTestCmd()
	if err := runToggle(cmd, nil); err != nil {
		t.Fatalf("runToggle error: %v", err)
	}
	if !strings.Contains(out.String(), "Desactivado") {
		t.Errorf("second --off should stay disabled, got: %s", out.String())
	}
}

func TestRunClassify(t *testing.T) {
	setupHome(t)
	setGameEnv(t)

	tests := []struct {
		name   string
		sender int64
		args   []string
		want   string
	}{
		{"word", 0, []string{"Sé el primero en escribir la palabra"}, "word"},
		{"arithmetic split args", 0, []string{"el", "resultado", "del", "cálculo"}, "arithmetic"},
		{"unrelated", 0, []string{"hola"}, "not a challenge"},
		{"other sender", 7, []string{"escribir la palabra"}, "not a challenge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			senderFlag = tt.sender
			cmd, out := newTestCmd()
			if err := runClassify(cmd, tt.args); err != nil {
				t.Fatalf("runClassify error: %v", err)
			}
			if got := strings.TrimSpace(out.String()); got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunGateway_InvalidConfig(t *testing.T) {
	setupHome(t)

	err := runGatewayWithOptions(context.Background(), RunOptions{
		GatewayFactory: func(ctx context.Context, cfg *config.Config, opts gateway.Options) (Runner, error) {
			t.Fatal("factory should not be called")
			return nil, nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), "api id and api hash are required") {
		t.Errorf("expected credentials validation error, got %v", err)
	}
}

func TestRunGatewayWithOptions(t *testing.T) {
	setupHome(t)
	setGameEnv(t)
	t.Setenv("CHATFIGHT_LOG_FORMAT", "json")

	runner := &fakeRunner{}
	var gotCfg *config.Config
	var stderr bytes.Buffer
	err := runGatewayWithOptions(context.Background(), RunOptions{
		Stderr: &stderr,
		GatewayFactory: func(ctx context.Context, cfg *config.Config, opts gateway.Options) (Runner, error) {
			gotCfg = cfg
			if opts.Logger == nil {
				t.Error("logger should be injected")
			}
			return runner, nil
		},
	})
	if err != nil {
		t.Fatalf("runGatewayWithOptions error: %v", err)
	}
	if !runner.ran {
		t.Error("gateway was not run")
	}
	if gotCfg == nil || gotCfg.Game.BotID != 4242 {
		t.Errorf("config not passed through: %+v", gotCfg)
	}
}

func TestRunGatewayWithOptions_Errors(t *testing.T) {
	setupHome(t)
	setGameEnv(t)

	err := runGatewayWithOptions(context.Background(), RunOptions{
		GatewayFactory: func(ctx context.Context, cfg *config.Config, opts gateway.Options) (Runner, error) {
			return nil, errors.New("boom")
		},
	})
	if err == nil || !strings.Contains(err.Error(), "create gateway") {
		t.Errorf("expected factory error, got %v", err)
	}

	err = runGatewayWithOptions(context.Background(), RunOptions{
		GatewayFactory: func(ctx context.Context, cfg *config.Config, opts gateway.Options) (Runner, error) {
			return &fakeRunner{err: errors.New("telegram down")}, nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), "telegram down") {
		t.Errorf("expected run error, got %v", err)
	}
}

func TestRunGatewayWithOptions_BadLogLevel(t *testing.T) {
	setupHome(t)
	setGameEnv(t)
	t.Setenv("CHATFIGHT_LOG_LEVEL", "loud")

	err := runGatewayWithOptions(context.Background(), RunOptions{Stderr: &bytes.Buffer{}})
	if err == nil || !strings.Contains(err.Error(), "create logger") {
		t.Errorf("expected logger error, got %v", err)
	}
}

func TestIDDisplay(t *testing.T) {
	if idDisplay(0) != "not set" {
		t.Error("zero id should display as not set")
	}
	if idDisplay(-100) != "-100" {
		t.Errorf("idDisplay(-100) = %q", idDisplay(-100))
	}
}
