// Package llm generates assistant replies with OpenAI chat completions,
// running function tools such as the knowledge base search in between.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/tidwall/gjson"

	"github.com/chadiek/kb-voice-agent/internal/agent"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// maxToolRounds bounds how many times one reply may go back to the model
// with tool results.
const maxToolRounds = 4

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters map[string]any
	Call       func(ctx context.Context, args string) (string, error)
}

// Options configures a Client.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	// RequestOptions are appended to the client options, mostly for tests.
	RequestOptions []option.RequestOption
}

// Client implements agent.LLM over the OpenAI chat completions API.
type Client struct {
	client openai.Client
	apiKey string
	model  string
	tools  []Tool
}

// NewClient builds a client exposing tools to the model.
func NewClient(opts Options, tools ...Tool) *Client {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	reqOpts = append(reqOpts, opts.RequestOptions...)
	return &Client{
		client: openai.NewClient(reqOpts...),
		apiKey: opts.APIKey,
		model:  opts.Model,
		tools:  tools,
	}
}

// Model reports the configured model name.
func (c *Client) Model() string { return c.model }

// Generate returns the assistant's reply to messages, resolving tool calls
// along the way.
func (c *Client) Generate(ctx context.Context, messages []agent.Message) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("openai: api key missing")
	}
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convMessages(messages),
	}
	for _, t := range c.tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}

	for round := 0; round <= maxToolRounds; round++ {
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("openai chat: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("openai chat: empty choices")
		}
		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return strings.TrimSpace(msg.Content), nil
		}
		params.Messages = append(params.Messages, msg.ToParam())
		for _, call := range msg.ToolCalls {
			result := c.runTool(ctx, call.Function.Name, call.Function.Arguments)
			params.Messages = append(params.Messages, openai.ToolMessage(result, call.ID))
		}
	}
	return "", fmt.Errorf("openai chat: no reply after %d tool rounds", maxToolRounds)
}

func (c *Client) runTool(ctx context.Context, name, args string) string {
	for _, t := range c.tools {
		if t.Name != name {
			continue
		}
		log.Info("tool call", "tool", name, "args", args)
		out, err := t.Call(ctx, args)
		if err != nil {
			log.Warn("tool failed", "tool", name, "err", err)
			return fmt.Sprintf("The %s tool failed: %v", name, err)
		}
		return out
	}
	log.Warn("model called unknown tool", "tool", name)
	return fmt.Sprintf("Unknown tool %q.", name)
}

func convMessages(messages []agent.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case agent.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case agent.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// argString reads one string argument from a tool call's JSON arguments.
func argString(args, key string) (string, error) {
	if !gjson.Valid(args) {
		return "", fmt.Errorf("tool arguments are not valid JSON: %q", args)
	}
	return gjson.Get(args, key).String(), nil
}
