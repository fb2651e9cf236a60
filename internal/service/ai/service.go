package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"keepchat/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer concisely."

// ErrEmptyPrompt is returned for blank prompts.
var ErrEmptyPrompt = errors.New("prompt cannot be empty")

// Service turns a single prompt into a single reply. It keeps no history;
// each call is independent.
type Service struct {
	chatModel    model.ToolCallingChatModel
	agent        *react.Agent
	systemPrompt string
}

// NewChatModel builds the provider model. Tests replace it.
var NewChatModel = buildChatModel

// New constructs the reply service from cfg.Assistant and the matching provider entry.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	provider := cfg.Assistant.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := cfg.Assistant.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	chatModel, err := NewChatModel(ctx, provider, modelName, provCfg)
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}
	var tools []tool.BaseTool
	if cfg.Assistant.WebSearch {
		tools = InitToolsChain()
	}
	return NewWithModel(ctx, chatModel, cfg.Assistant.SystemPrompt, tools)
}

// NewWithModel wires an already constructed model, wrapping it in a react
// agent when tools are supplied.
func NewWithModel(ctx context.Context, chatModel model.ToolCallingChatModel, systemPrompt string, tools []tool.BaseTool) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model required")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	svc := &Service{chatModel: chatModel, systemPrompt: systemPrompt}
	if len(tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		svc.agent = agent
	}
	return svc, nil
}

// Reply generates the assistant's answer to prompt.
func (s *Service) Reply(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	input := []*schema.Message{
		schema.SystemMessage(s.systemPrompt),
		schema.UserMessage(prompt),
	}

	var (
		out *schema.Message
		err error
	)
	if s.agent != nil {
		out, err = s.agent.Generate(ctx, input)
	} else {
		out, err = s.chatModel.Generate(ctx, input)
	}
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", errors.New("generate reply: empty response")
	}
	return out.Content, nil
}

func buildChatModel(ctx context.Context, provider, modelName string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURL *string
		if provCfg.BaseURL != "" {
			baseURL = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}
