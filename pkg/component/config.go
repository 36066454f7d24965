package component

import (
	"time"

	"github.com/masworks/chorus/pkg/protocol"
)

// Per-kind defaults. LLM components keep a small concurrency bound to
// respect provider rate limits; tools and orchestrators run wider.
const (
	DefaultSemaphoreLimit    = 16
	DefaultLLMSemaphoreLimit = 4
	DefaultToolTimeout       = 60 * time.Second
	DefaultLLMTimeout        = 300 * time.Second
	DefaultAgentTimeout      = 3600 * time.Second
	DefaultRetries           = 2
	DefaultRetryDelay        = time.Second
	DefaultTopKTools         = 10
)

// Hooks are the user extension points threaded through the pipeline. Every
// hook receives a live envelope and its mutations are visible to later
// stages. Nil hooks are skipped.
type Hooks struct {
	ProcessInput  func(req *protocol.Request)
	FormatInput   func(req *protocol.Request)
	ProcessOutput func(resp *protocol.Response)
	FormatOutput  func(resp *protocol.Response)
}

// Config is the common configuration record for every component kind.
type Config struct {
	Name       string
	Kind       protocol.Kind
	ClassName  string
	Desc       string
	DescForLLM string

	// InputSchema is a JSON Schema properties/required map validated
	// against the arguments before execution.
	InputSchema map[string]any

	IsPermissionRequired  bool
	PermittedCallees      []string
	ExtraPermittedCallees []string

	SemaphoreLimit int
	Timeout        time.Duration
	Retries        int
	RetryDelay     time.Duration

	// NoSaveData disables node-record persistence for this component.
	NoSaveData        bool
	FriendlyErrorText string
	TopKTools         int

	// SendToolCall, SendObservation and SendAnswer override the global
	// event flags for this component. Nil defers to settings.
	SendToolCall    *bool
	SendObservation *bool
	SendAnswer      *bool

	Hooks Hooks
}

// applyDefaults fills the zero fields with the kind's defaults.
func (cfg *Config) applyDefaults() {
	if cfg.Kind == "" {
		cfg.Kind = protocol.KindTool
	}
	if cfg.SemaphoreLimit < 1 {
		if cfg.Kind == protocol.KindLLM {
			cfg.SemaphoreLimit = DefaultLLMSemaphoreLimit
		} else {
			cfg.SemaphoreLimit = DefaultSemaphoreLimit
		}
	}
	if cfg.Timeout <= 0 {
		switch cfg.Kind {
		case protocol.KindTool:
			cfg.Timeout = DefaultToolTimeout
		case protocol.KindLLM:
			cfg.Timeout = DefaultLLMTimeout
		default:
			cfg.Timeout = DefaultAgentTimeout
		}
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.TopKTools <= 0 {
		cfg.TopKTools = DefaultTopKTools
	}
	if cfg.DescForLLM == "" {
		cfg.DescForLLM = cfg.Name + ": " + cfg.Desc
	}
}
