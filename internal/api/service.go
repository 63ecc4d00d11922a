package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/pcformer/internal/config"
	"github.com/samcharles93/pcformer/internal/generate"
	"github.com/samcharles93/pcformer/internal/logger"
	"github.com/samcharles93/pcformer/internal/logits"
	"github.com/samcharles93/pcformer/internal/tokenizer"
)

// ErrInvalidRequest marks errors caused by the request rather than the model.
var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError string

func (e invalidRequestError) Error() string { return string(e) }
func (e invalidRequestError) Unwrap() error { return ErrInvalidRequest }

func newInvalidRequest(msg string) error { return invalidRequestError(msg) }

type GenDefaults struct {
	MaxTokens   int
	Temperature float64
}

// GenerationService owns the one loaded model. A forward pass mutates PC
// state on the model, so requests run one at a time.
type GenerationService struct {
	mu       sync.Mutex
	gen      *generate.Generator
	tok      tokenizer.Tokenizer
	cfg      config.Config
	defaults GenDefaults
	clock    func() time.Time
}

func NewGenerationService(gen *generate.Generator, tok tokenizer.Tokenizer, defaults GenDefaults) *GenerationService {
	return &GenerationService{
		gen:      gen,
		tok:      tok,
		cfg:      gen.Config,
		defaults: defaults,
		clock:    time.Now,
	}
}

func (s *GenerationService) Config() config.Config { return s.cfg }

func (s *GenerationService) Generate(ctx context.Context, req *GenerateRequest) (*Generation, error) {
	if req.Prompt == "" {
		return nil, newInvalidRequest("prompt must not be empty")
	}
	opts := generate.Options{
		MaxNewTokens: s.defaults.MaxTokens,
		Temperature:  s.defaults.Temperature,
	}
	if req.MaxTokens != nil {
		if *req.MaxTokens < 0 {
			return nil, newInvalidRequest("max_tokens must be >= 0")
		}
		opts.MaxNewTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}

	ids, err := s.tok.Encode(req.Prompt)
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("prompt: %v", err))
	}
	if len(ids) == 0 {
		return nil, newInvalidRequest("prompt encodes to no tokens")
	}

	s.mu.Lock()
	res, err := s.gen.Generate(ctx, ids, opts)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, logits.ErrInvalidDistribution) {
			return nil, newInvalidRequest(err.Error())
		}
		return nil, fmt.Errorf("generate: %w", err)
	}

	text, err := tokenizer.DecodeText(s.tok, res.Continuation(), true)
	if err != nil {
		return nil, err
	}
	out := &Generation{
		ID:          newGenerationID(),
		Object:      "generation",
		CreatedAt:   s.clock().Unix(),
		Prompt:      req.Prompt,
		Text:        text,
		Tokens:      res.Continuation(),
		Generated:   res.Generated,
		StopReason:  string(res.StopReason),
		Temperature: opts.Temperature,
	}
	logger.FromContext(ctx).Debug("generation complete", "id", out.ID, "generated", out.Generated, "stop", out.StopReason)
	return out, nil
}

func newGenerationID() string {
	return "gen_" + uuid.NewString()
}
