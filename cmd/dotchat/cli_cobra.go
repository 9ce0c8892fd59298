package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/channels"
	"github.com/dotsetgreg/dotchat/pkg/chat"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/usage"
)

// cliUser is the identity used by terminal sessions unless --user is set.
const cliUser int64 = 1

type rootOptions struct {
	configPath string
	debug      bool
}

func (o *rootOptions) load() (*config.Config, error) {
	return loadConfig(o.configPath, o.debug)
}

// start loads the config and wires the runtime for commands that talk to
// the model or the store.
func (o *rootOptions) start() (*runtimeDeps, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return bootstrap(cfg)
}

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Chat assistant with per-user memory, model selection and usage accounting",
		Long: strings.TrimSpace(`dotchat relays conversations to OpenAI or Anthropic models.

Each user keeps a model preference, a conversation history that is folded into
a running summary once it grows, and a token/cost ledger. Serve it on Discord
with "gateway" or talk to it locally with "chat".`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigPath(), "Path to the config file")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newGatewayCommand(opts))
	root.AddCommand(newChatCommand(opts))
	root.AddCommand(newUsageCommand(opts))
	root.AddCommand(newHistoryCommand(opts))
	root.AddCommand(newModelsCommand(opts))
	root.AddCommand(newSummaryCommand(opts))
	root.AddCommand(newConfigCommand(opts))
	root.AddCommand(newVersionCommand())
	return root
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotchat version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func newGatewayCommand(opts *rootOptions) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Serve the assistant on Discord",
		Long:    "Connect the Discord bot and answer messages until interrupted.",
		Example: "  dotchat gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.start()
			if err != nil {
				return err
			}
			defer deps.Close()

			msgBus := bus.NewMessageBus()
			defer msgBus.Close()
			channelManager, err := channels.NewManager(deps.cfg, msgBus)
			if err != nil {
				return err
			}
			enabled := channelManager.GetEnabledChannels()
			if len(enabled) == 0 {
				return fmt.Errorf("no channel enabled: set channels.discord.token in %s or DOTCHAT_CHANNELS_DISCORD_TOKEN", opts.configPath)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := channelManager.StartAll(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
			fmt.Fprintln(out, "Press Ctrl+C to stop")

			loopDone := make(chan error, 1)
			go func() { loopDone <- chat.NewLoop(deps.engine, msgBus, workers).Run(ctx) }()

			<-ctx.Done()
			fmt.Fprintln(out, "\nShutting down...")
			stopCtx := context.WithoutCancel(ctx)
			if err := channelManager.StopAll(stopCtx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error stopping channels: %v\n", err)
			}
			if err := <-loopDone; err != nil {
				return err
			}
			fmt.Fprintln(out, "✓ Gateway stopped")
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", chat.DefaultWorkers, "Number of users served concurrently")
	return cmd
}

func newChatCommand(opts *rootOptions) *cobra.Command {
	var (
		message string
		user    int64
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Long:  "Run an interactive session, or send one message with --message. Slash commands such as /help work here too.",
		Example: strings.Join([]string{
			"  dotchat chat",
			"  dotchat chat --user 7",
			"  dotchat chat --message \"what did we decide yesterday?\"",
			"  dotchat chat -m \"/usage all\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.start()
			if err != nil {
				return err
			}
			defer deps.Close()

			if strings.TrimSpace(message) != "" {
				out, err := deps.engine.Handle(cmd.Context(), chat.Inbound{UserID: memory.UserID(user), Text: message})
				fmt.Fprintln(cmd.OutOrStdout(), out.Render())
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s interactive mode (Ctrl+C or \"exit\" to quit)\n\n", appName)
			return interactiveMode(cmd, deps.engine, memory.UserID(user))
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	cmd.Flags().Int64VarP(&user, "user", "u", cliUser, "User id whose conversation to continue")
	return cmd
}

func interactiveMode(cmd *cobra.Command, engine *chat.Engine, user memory.UserID) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".dotchat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          cmd.OutOrStdout(),
	})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error initializing readline: %v\nFalling back to simple input mode...\n", err)
		return simpleInteractiveMode(cmd, engine, user, cmd.InOrStdin())
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(cmd.OutOrStdout(), "\nGoodbye!")
				return nil
			}
			return err
		}
		if done := converse(cmd, engine, user, line); done {
			return nil
		}
	}
}

func simpleInteractiveMode(cmd *cobra.Command, engine *chat.Engine, user memory.UserID, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(cmd.OutOrStdout(), "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(cmd.OutOrStdout(), "\nGoodbye!")
			return scanner.Err()
		}
		if done := converse(cmd, engine, user, scanner.Text()); done {
			return nil
		}
	}
}

// converse handles one typed line and reports whether the session ended.
func converse(cmd *cobra.Command, engine *chat.Engine, user memory.UserID, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	if input == "exit" || input == "quit" {
		fmt.Fprintln(cmd.OutOrStdout(), "Goodbye!")
		return true
	}
	out, _ := engine.Handle(cmd.Context(), chat.Inbound{UserID: user, Text: input})
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n\n", out.Render())
	return false
}

func newUsageCommand(opts *rootOptions) *cobra.Command {
	var (
		user int64
		all  bool
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show a user's token usage and estimated cost",
		Example: strings.Join([]string{
			"  dotchat usage --user 7",
			"  dotchat usage --user 7 --all",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.start()
			if err != nil {
				return err
			}
			defer deps.Close()

			window := usage.SinceReset
			if all {
				window = usage.AllTime
			}
			report, err := deps.recorder.Report(cmd.Context(), memory.UserID(user), window)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usage.Format(report))
			return nil
		},
	}
	cmd.Flags().Int64VarP(&user, "user", "u", cliUser, "User id")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Report all time instead of since the last reset")
	return cmd
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		user  int64
		limit int
	)
	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Print a user's summary and stored conversation",
		Example: "  dotchat history --user 7 --limit 10",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.start()
			if err != nil {
				return err
			}
			defer deps.Close()

			ctx := cmd.Context()
			id := memory.UserID(user)
			out := cmd.OutOrStdout()
			sum, ok, err := deps.memory.GetSummary(ctx, id)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(out, "Summary (covers %d messages, updated %s):\n%s\n\n", sum.RepresentedCount, sum.UpdatedAt.Format("2006-01-02 15:04"), sum.Text)
			}
			history, err := deps.memory.GetHistory(ctx, id)
			if err != nil {
				return err
			}
			if limit > 0 && len(history) > limit {
				history = history[len(history)-limit:]
			}
			if len(history) == 0 {
				fmt.Fprintln(out, "No messages stored.")
				return nil
			}
			for _, m := range history {
				fmt.Fprintf(out, "[%d] %s %s: %s\n", m.Seq, m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&user, "user", "u", cliUser, "User id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the newest N messages")
	return cmd
}

func newModelsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "models",
		Short:   "List the models users can choose from",
		Long:    "List the catalog with prices per million tokens. Only models of providers with an API key are listed once a key is configured.",
		Example: "  dotchat models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := buildRegistry(cfg)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPROVIDER\tINPUT $/1M\tOUTPUT $/1M\t")
			for _, d := range reg.List() {
				id := d.ID
				if d.Default {
					id += " (default)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t\n", id, d.DisplayName, d.Provider, d.InputPricePer1M, d.OutputPricePer1M)
			}
			return tw.Flush()
		},
	}
}

func newSummaryCommand(opts *rootOptions) *cobra.Command {
	var user int64

	summaryRoot := &cobra.Command{
		Use:   "summary",
		Short: "Inspect or run conversation summarization",
		Long:  "Show summarization state for a user, or summarize their older messages now.",
	}
	summaryRoot.PersistentFlags().Int64VarP(&user, "user", "u", cliUser, "User id")

	// Both subcommands reuse the chat commands so the output matches what
	// users see in Discord.
	run := func(command string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			deps, err := opts.start()
			if err != nil {
				return err
			}
			defer deps.Close()
			out, err := deps.engine.Handle(cmd.Context(), chat.Inbound{UserID: memory.UserID(user), Text: command})
			fmt.Fprintln(cmd.OutOrStdout(), out.Render())
			return err
		}
	}
	summaryRoot.AddCommand(&cobra.Command{
		Use:     "status",
		Short:   "Show summarization settings and state",
		Example: "  dotchat summary status --user 7",
		RunE:    run("/summary_status"),
	})
	summaryRoot.AddCommand(&cobra.Command{
		Use:     "now",
		Short:   "Summarize older messages immediately",
		Example: "  dotchat summary now --user 7",
		RunE:    run("/summary_now"),
	})
	return summaryRoot
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	configRoot := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file",
		Example: "  dotchat config init\n  dotchat config init --config ./dotchat.json --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", opts.configPath)
			}
			if err := config.SaveConfig(opts.configPath, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Config written to %s\n", opts.configPath)
			fmt.Fprintln(cmd.OutOrStdout(), "Set providers.openai.api_key or providers.anthropic.api_key, then run \"dotchat chat\".")
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:     "show",
		Short:   "Print the effective config with secrets redacted",
		Example: "  dotchat config show",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			data, err := redactedConfigJSON(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	configRoot.AddCommand(initCmd, showCmd)
	return configRoot
}

const redacted = "<redacted>"

func redactedConfigJSON(cfg *config.Config) ([]byte, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	clean := config.DefaultConfig()
	if err := json.Unmarshal(raw, clean); err != nil {
		return nil, err
	}
	for _, secret := range []*string{
		&clean.Providers.OpenAI.APIKey,
		&clean.Providers.Anthropic.APIKey,
		&clean.Channels.Discord.Token,
	} {
		if *secret != "" {
			*secret = redacted
		}
	}
	return json.MarshalIndent(clean, "", "  ")
}
