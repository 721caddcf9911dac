package flags

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/studify-ai/studify/pkg/ai"
	"github.com/studify-ai/studify/pkg/persona"
	"github.com/studify-ai/studify/pkg/relay"
)

// AIFlags contains flags for reaching the OpenRouter compatible provider.
type AIFlags struct {
	Endpoint    string
	APIKey      string
	Referer     string
	Title       string
	Timeout     time.Duration
	PersonaFile string
}

func NewAIFlags() *AIFlags {
	return &AIFlags{
		Endpoint: "https://openrouter.ai/api/v1",
		APIKey:   os.Getenv("OPENROUTER_API_KEY"),
		Referer:  "http://localhost:8000",
		Title:    "Studify.AI",
		Timeout:  relay.DefaultTimeout,
	}
}

func (f *AIFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.Endpoint, "ai-endpoint", f.Endpoint, "Base URL of an OpenAI-compatible API. Set OPENROUTER_API_KEY to specify an API key.")
	fs.StringVar(&f.Referer, "ai-referer", f.Referer, "HTTP-Referer sent to the provider for attribution")
	fs.StringVar(&f.Title, "ai-title", f.Title, "X-Title sent to the provider for attribution")
	fs.DurationVar(&f.Timeout, "ai-timeout", f.Timeout, "Timeout for a whole streamed completion")
	fs.StringVar(&f.PersonaFile, "persona-file", f.PersonaFile, "YAML file overriding persona models and system prompts")
}

func (f *AIFlags) Validate() error {
	if f.APIKey == "" {
		return errors.New("OPENROUTER_API_KEY must be set")
	}
	if f.Timeout <= 0 {
		return errors.New("--ai-timeout must be positive")
	}
	return nil
}

func (f *AIFlags) completionsURL() string {
	return strings.TrimSuffix(f.Endpoint, "/") + "/chat/completions"
}

func (f *AIFlags) GetRelay() *relay.Relay {
	return relay.New(relay.Config{
		URL:     f.completionsURL(),
		APIKey:  f.APIKey,
		Timeout: f.Timeout,
		Referer: f.Referer,
		Title:   f.Title,
	})
}

func (f *AIFlags) GetLLMClient(model string) *ai.LLMClient {
	return ai.NewLLMClient(f.Endpoint, f.APIKey, model, map[string]string{
		"HTTP-Referer": f.Referer,
		"X-Title":      f.Title,
	})
}

func (f *AIFlags) GetPersonaTable() (*persona.Table, error) {
	if f.PersonaFile == "" {
		return persona.Default(), nil
	}
	return persona.LoadFile(f.PersonaFile)
}
