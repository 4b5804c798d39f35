package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/chatfight/internal/challenge"
	"github.com/stellarlinkco/chatfight/internal/config"
	"github.com/stellarlinkco/chatfight/internal/gateway"
	"github.com/stellarlinkco/chatfight/internal/logging"
	"github.com/stellarlinkco/chatfight/internal/state"
)

// Runner is the long-running responder (allows mocking in tests)
type Runner interface {
	Run(ctx context.Context) error
}

// GatewayFactory creates the responder from a validated config
type GatewayFactory func(ctx context.Context, cfg *config.Config, opts gateway.Options) (Runner, error)

// DefaultGatewayFactory builds the real gateway.
func DefaultGatewayFactory(ctx context.Context, cfg *config.Config, opts gateway.Options) (Runner, error) {
	return gateway.NewWithOptions(ctx, cfg, opts)
}

// RunOptions for running the responder with custom dependencies
type RunOptions struct {
	GatewayFactory GatewayFactory
	Stderr         io.Writer
}

var rootCmd = &cobra.Command{
	Use:           "chatfight",
	Short:         "chatfight - auto-responder for ChatFight image challenges",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Telegram and answer challenges",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted module state",
	RunE:  runStatus,
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Flip or set the enabled flag",
	RunE:  runToggle,
}

var classifyCmd = &cobra.Command{
	Use:   "classify [caption]",
	Short: "Check how a caption would be classified",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

var (
	onFlag     bool
	offFlag    bool
	senderFlag int64
	chatFlag   int64
)

func init() {
	toggleCmd.Flags().BoolVar(&onFlag, "on", false, "Enable the responder")
	toggleCmd.Flags().BoolVar(&offFlag, "off", false, "Disable the responder")
	toggleCmd.MarkFlagsMutuallyExclusive("on", "off")
	classifyCmd.Flags().Int64Var(&senderFlag, "sender", 0, "Sender id (defaults to the game bot)")
	classifyCmd.Flags().Int64Var(&chatFlag, "chat", 0, "Chat id (defaults to the game group)")
	rootCmd.AddCommand(runCmd, onboardCmd, statusCmd, toggleCmd, classifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	return runGatewayWithOptions(cmd.Context(), RunOptions{})
}

// runGatewayWithOptions runs the responder with injectable dependencies for testing
func runGatewayWithOptions(ctx context.Context, opts RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w (run 'chatfight onboard' and edit %s)", err, config.ConfigPath())
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	logger, err := logging.New(cfg.Logging, stderr)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	factory := opts.GatewayFactory
	if factory == nil {
		factory = DefaultGatewayFactory
	}
	gw, err := factory(ctx, cfg, gateway.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set the telegram api id and hash, game bot id and group id\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set API_ID, API_HASH, CHATFIGHT_TELEGRAM_PHONE, CHATFIGHT_BOT_ID, CHATFIGHT_GROUP_ID and GROQ_API_KEY")
	fmt.Fprintln(out, "  3. Run 'chatfight run' and enter the login code Telegram sends")
	return nil
}

// newStore opens the state store (allows mocking)
var newStore = state.NewStore

// openState loads the persisted module state the same way the gateway does.
// The returned close func reports a failed close on errOut.
func openState(ctx context.Context, cfg *config.Config, errOut io.Writer) (*state.Manager, func(), error) {
	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	logger, err := logging.New(cfg.Logging, errOut)
	if err != nil {
		logger = slog.New(slog.NewTextHandler(errOut, nil))
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Warn("close state store failed", "driver", cfg.Store.Driver, "error", err)
		}
	}
	return state.Open(ctx, store, logging.Discard()), closeFn, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Game bot: %s\n", idDisplay(cfg.Game.BotID))
	fmt.Fprintf(out, "Group: %s\n", idDisplay(cfg.Game.GroupID))
	fmt.Fprintf(out, "Vision: %s (%s)\n", cfg.Vision.Provider, cfg.Vision.Model)
	if cfg.Vision.APIKey != "" && len(cfg.Vision.APIKey) > 8 {
		masked := cfg.Vision.APIKey[:4] + "..." + cfg.Vision.APIKey[len(cfg.Vision.APIKey)-4:]
		fmt.Fprintf(out, "API Key: %s\n", masked)
	} else if cfg.Vision.APIKey != "" {
		fmt.Fprintln(out, "API Key: set")
	} else {
		fmt.Fprintln(out, "API Key: not set")
	}
	fmt.Fprintf(out, "Store: %s\n", cfg.Store.Driver)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, closeFn, err := openState(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		fmt.Fprintf(out, "State: unavailable (%v)\n", err)
		return nil
	}
	defer closeFn()

	fmt.Fprintln(out)
	fmt.Fprintln(out, state.FormatStatus(mgr.Snapshot()))
	return nil
}

func runToggle(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, closeFn, err := openState(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeFn()

	switch {
	case onFlag:
		mgr.SetEnabled(ctx, true)
	case offFlag:
		mgr.SetEnabled(ctx, false)
	default:
		mgr.Toggle(ctx)
	}
	if err := mgr.Flush(ctx); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	if mgr.Enabled() {
		fmt.Fprintln(cmd.OutOrStdout(), "ChatFight ✅ Activado")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "ChatFight ❌ Desactivado")
	}
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sender := senderFlag
	if sender == 0 {
		sender = cfg.Game.BotID
	}
	chat := chatFlag
	if chat == 0 {
		chat = cfg.Game.GroupID
	}

	caption := args[0]
	for _, a := range args[1:] {
		caption += " " + a
	}

	c := challenge.Classifier{GameBotID: cfg.Game.BotID, GroupID: cfg.Game.GroupID}
	kind, ok := c.Classify(sender, chat, caption)
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "not a challenge")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", kind)
	return nil
}

func idDisplay(id int64) string {
	if id == 0 {
		return "not set"
	}
	return strconv.FormatInt(id, 10)
}
