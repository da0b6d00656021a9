package llm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/sandbox"
)

// Supported backend providers
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

const (
	defaultOllamaURL = "http://localhost:11434"
	defaultOpenAIURL = "https://api.openai.com/v1"
	backendTimeout   = 2 * time.Minute
)

// ChatBackend adapts an eino chat model to the router
type ChatBackend struct {
	name    string
	modelID string
	baseURL string
	local   bool
	chat    model.BaseChatModel
	gate    *sandbox.Gate
}

// NewChatBackend creates a backend from configuration. A backend is local
// only when its base URL is a loopback address, whatever the provider. With
// a non-nil gate every request, local or not, goes through the allow-list.
func NewChatBackend(ctx context.Context, cfg domain.BackendConfig, gate *sandbox.Gate) (*ChatBackend, error) {
	b := &ChatBackend{name: cfg.Name, modelID: cfg.Model, baseURL: cfg.BaseURL, gate: gate}
	var client *http.Client
	if gate != nil {
		client = sandbox.NewHTTPClient(gate, backendTimeout)
	}

	var err error
	switch cfg.Provider {
	case ProviderOllama:
		if b.baseURL == "" {
			b.baseURL = defaultOllamaURL
		}
		b.local = isLoopback(b.baseURL)
		b.chat, err = ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL:    b.baseURL,
			Model:      cfg.Model,
			Timeout:    backendTimeout,
			HTTPClient: client,
		})
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, domain.NewValidationError("llm.backends.api_key", "API key is required for openai backends", cfg.Name)
		}
		if b.baseURL == "" {
			b.baseURL = defaultOpenAIURL
		}
		b.local = isLoopback(b.baseURL)
		b.chat, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			Model:      cfg.Model,
			APIKey:     cfg.APIKey,
			BaseURL:    b.baseURL,
			Timeout:    backendTimeout,
			HTTPClient: client,
		})
	default:
		return nil, domain.NewValidationError("llm.backends.provider", "unsupported LLM provider", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s chat model: %w", cfg.Provider, err)
	}
	return b, nil
}

// Name implements Backend
func (b *ChatBackend) Name() string { return b.name }

// ModelID implements Backend
func (b *ChatBackend) ModelID() string { return b.modelID }

// IsLocal implements Backend
func (b *ChatBackend) IsLocal() bool { return b.local }

// Complete implements Backend
func (b *ChatBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	if b.gate != nil {
		if err := b.gate.CheckURL(b.baseURL); err != nil {
			return nil, err
		}
	}

	var messages []*schema.Message
	if req.System != "" {
		messages = append(messages, schema.SystemMessage(req.System))
	}
	messages = append(messages, schema.UserMessage(req.Prompt))

	msg, err := b.chat.Generate(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.WrapError(domain.KindTimeout, "llm.Complete", err)
		}
		return nil, domain.WrapError(domain.KindProviderUnavailable, "llm.Complete", err)
	}

	resp := &Response{Text: msg.Content, ModelID: b.modelID}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		resp.PromptTokens = msg.ResponseMeta.Usage.PromptTokens
		resp.CompletionTokens = msg.ResponseMeta.Usage.CompletionTokens
	}
	return resp, nil
}

// RegisterBackends creates and registers every configured backend
func RegisterBackends(ctx context.Context, r *Router, backends []domain.BackendConfig, gate *sandbox.Gate) error {
	for _, bc := range backends {
		b, err := NewChatBackend(ctx, bc, gate)
		if err != nil {
			return fmt.Errorf("configuring LLM backend %q: %w", bc.Name, err)
		}
		r.Register(b)
	}
	return nil
}

func isLoopback(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
