package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/logger"
	"github.com/masworks/chorus/pkg/protocol"
)

// StdioConfig describes a subprocess MCP server.
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries are overlaid on the inherited environment.
	Env map[string]string
}

// NewStdioComponent builds a gateway that spawns the server as a child
// process and speaks MCP over its stdin/stdout.
func NewStdioComponent(cfg component.Config, stdio StdioConfig) *component.Component {
	cfg.Kind = protocol.KindTool
	g := NewGateway(func(ctx context.Context) (*mcpclient.Client, error) {
		return connectStdio(stdio)
	})
	return component.New(cfg, g)
}

func connectStdio(cfg StdioConfig) (*mcpclient.Client, error) {
	command := cfg.Command
	if command == "npx" {
		resolved, err := exec.LookPath("npx")
		if err != nil {
			return nil, fmt.Errorf("the command must be a valid string and cannot be None")
		}
		command = resolved
	}
	if command == "" {
		return nil, fmt.Errorf("the command must be a valid string and cannot be None")
	}

	if err := prepareArgs(cfg.Args); err != nil {
		return nil, err
	}

	env := os.Environ()
	for key, value := range cfg.Env {
		env = append(env, key+"="+value)
	}
	return mcpclient.NewStdioMCPClient(command, env, cfg.Args...)
}

// prepareArgs creates the filesystem-server target directory and verifies
// that --directory run invocations point at an existing tool file.
func prepareArgs(args []string) error {
	if len(args) >= 2 && strings.Contains(strings.Join(args, " "), "server-filesystem") {
		target := args[len(args)-1]
		if _, err := os.Stat(target); os.IsNotExist(err) {
			if mkErr := os.MkdirAll(target, 0o755); mkErr != nil {
				logger.Get().Warn("could not create directory", "dir", target, "error", mkErr)
			} else {
				logger.Get().Info("created directory", "dir", target)
			}
		}
	}

	if len(args) >= 4 && args[0] == "--directory" && args[2] == "run" {
		toolFile := filepath.Join(args[1], args[3])
		if _, err := os.Stat(toolFile); err != nil {
			return fmt.Errorf("%s does not exist", toolFile)
		}
	}
	return nil
}
