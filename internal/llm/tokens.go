package llm

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/RichardoC/stargazer/internal/models"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const (
	encodingO200K  = "o200k_base"
	encodingCL100K = "cl100k_base"
)

// Models that tokenize with o200k_base. Everything else from OpenAI's
// chat line uses cl100k_base.
var o200kPrefixes = []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4", "chatgpt-4o"}

// EncodingName returns the tiktoken encoding used by model.
func EncodingName(model string) string {
	m := strings.ToLower(model)
	for _, p := range o200kPrefixes {
		if strings.HasPrefix(m, p) {
			return encodingO200K
		}
	}
	return encodingCL100K
}

// TokenCounter estimates prompt size for logging. Load fetches the
// encoding and should be called once at startup; until it succeeds Count
// estimates len/4.
type TokenCounter struct {
	model    string
	encoding string
	logger   *zap.Logger

	enc atomic.Pointer[tiktoken.Tiktoken]
}

func NewTokenCounter(model string, logger *zap.Logger) *TokenCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenCounter{model: model, encoding: EncodingName(model), logger: logger}
}

// Load resolves the model's encoding. tiktoken may download the BPE file
// on first use (cached under TIKTOKEN_CACHE_DIR).
func (tc *TokenCounter) Load() error {
	enc, err := tiktoken.GetEncoding(tc.encoding)
	if err != nil {
		return fmt.Errorf("load %s encoding for %s: %w", tc.encoding, tc.model, err)
	}
	tc.enc.Store(enc)
	tc.logger.Info("token encoding loaded", zap.String("model", tc.model), zap.String("encoding", tc.encoding))
	return nil
}

// Loaded reports whether Count uses the real encoding.
func (tc *TokenCounter) Loaded() bool {
	return tc.enc.Load() != nil
}

func (tc *TokenCounter) Encoding() string {
	return tc.encoding
}

// Count returns the token count of the system prompt plus every message.
func (tc *TokenCounter) Count(system string, conversation []models.Message) int {
	enc := tc.enc.Load()
	total := countText(enc, system)
	for _, m := range conversation {
		total += countText(enc, m.Content)
	}
	return total
}

func countText(enc *tiktoken.Tiktoken, s string) int {
	if s == "" {
		return 0
	}
	if enc == nil {
		return (len(s) + 3) / 4
	}
	return len(enc.Encode(s, nil, nil))
}
