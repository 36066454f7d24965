// Command chorus runs a minimal multi-agent space from the command line.
//
// Usage:
//
//	chorus chat "What is the weather in Berlin?"
//	chorus chat --provider ollama --model qwen3
//	chorus chat --mcp "npx -y @modelcontextprotocol/server-filesystem /tmp/work"
//	chorus version
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/masworks/chorus/pkg/agent"
	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/config"
	"github.com/masworks/chorus/pkg/llms"
	"github.com/masworks/chorus/pkg/logger"
	"github.com/masworks/chorus/pkg/mas"
	"github.com/masworks/chorus/pkg/mcp"
	"github.com/masworks/chorus/pkg/store/sqlite"
)

// CLI defines the command-line interface.
type CLI struct {
	Chat    ChatCmd    `cmd:"" help:"Chat with the master agent, one-shot or REPL."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("chorus version %s\n", version)
	return nil
}

// ChatCmd builds a one-agent space and talks to it. Without a query argument
// it drops into a REPL that keeps the conversation chained across turns.
type ChatCmd struct {
	Query string `arg:"" optional:"" help:"One-shot query. Omit for the REPL."`

	Provider string `help:"LLM provider (openai, ollama)." default:"openai" enum:"openai,ollama"`
	Model    string `help:"Model name (defaults to CHORUS_LLM_MODEL)."`
	BaseURL  string `name:"base-url" help:"Provider base URL (defaults to CHORUS_LLM_BASE_URL)."`
	APIKey   string `name:"api-key" help:"API key (defaults to CHORUS_LLM_API_KEY)."`

	Prompt string `help:"System prompt for the agent."`
	Trust  bool   `help:"Trust mode: return the first tool result without a closing reasoning turn."`

	MCP []string `name:"mcp" help:"Stdio MCP server command line, e.g. 'npx -y @modelcontextprotocol/server-filesystem /tmp'. Repeatable."`

	SQLite string `name:"sqlite" help:"Back traces and history with a SQLite file instead of the local JSON store."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	settings := config.Load()
	if c.Model != "" {
		settings.LLMModel = c.Model
	}
	if c.BaseURL != "" {
		settings.LLMBaseURL = c.BaseURL
	}
	if c.APIKey != "" {
		settings.LLMAPIKey = c.APIKey
	}

	m, err := c.buildSpace(settings)
	if err != nil {
		return err
	}
	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("initialising space: %w", err)
	}
	defer m.Shutdown(context.Background())

	if c.Query != "" {
		resp, err := m.Chat(ctx, map[string]any{"query": c.Query})
		if err != nil {
			return err
		}
		fmt.Println(resp.OutputString())
		return nil
	}
	return c.repl(ctx, m)
}

func (c *ChatCmd) buildSpace(settings *config.Settings) (*mas.MAS, error) {
	var opts []mas.Option
	opts = append(opts, mas.WithSettings(settings))
	if c.SQLite != "" {
		st, err := sqlite.New(c.SQLite)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mas.WithStore(st))
	}

	m, err := mas.New(opts...)
	if err != nil {
		return nil, err
	}

	llmOpts := llms.Options{
		BaseURL: settings.LLMBaseURL,
		APIKey:  settings.LLMAPIKey,
		Model:   settings.LLMModel,
		Params:  settings.LLMParams,
	}
	var llm *component.Component
	if c.Provider == "ollama" {
		llm = llms.NewOllamaComponent(component.Config{Name: "default_llm"}, llmOpts)
	} else {
		llm = llms.NewOpenAIComponent(component.Config{Name: "default_llm"}, llmOpts)
	}
	if err := m.Register(llm); err != nil {
		return nil, err
	}

	var gateways []string
	for i, line := range c.MCP {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return nil, fmt.Errorf("empty --mcp command line")
		}
		name := fmt.Sprintf("mcp_%d", i)
		gw := mcp.NewStdioComponent(component.Config{Name: name}, mcp.StdioConfig{
			Command: fields[0],
			Args:    fields[1:],
		})
		if err := m.Register(gw); err != nil {
			return nil, err
		}
		gateways = append(gateways, name)
	}

	master := agent.NewReActComponent(component.Config{
		Name: "master",
		Desc: "Default command-line agent",
		// MCP discovery appends the concrete tool names during init; the
		// gateway names keep the proxies reachable through the catalogue.
		PermittedCallees: gateways,
	}, agent.Config{
		LLMModel:  "default_llm",
		Prompt:    c.Prompt,
		TrustMode: c.Trust,
	})
	if err := m.RegisterMaster(master); err != nil {
		return nil, err
	}
	return m, nil
}

// repl chains turns through from_trace_id so the agent keeps short memory.
func (c *ChatCmd) repl(ctx context.Context, m *mas.MAS) error {
	fmt.Println("chorus REPL. Empty line or Ctrl+D exits.")
	scanner := bufio.NewScanner(os.Stdin)
	fromTraceID := ""
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" || query == "exit" {
			return nil
		}

		payload := map[string]any{"query": query}
		if fromTraceID != "" {
			payload["from_trace_id"] = fromTraceID
		}
		resp, err := m.Chat(ctx, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(resp.OutputString())
		fromTraceID = resp.Request.CurrentTraceID
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("chorus"),
		kong.Description("chorus - multi-agent orchestration runtime"),
		kong.UsageOnError(),
	)
	logger.Init(logger.Options{Level: cli.LogLevel})
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
