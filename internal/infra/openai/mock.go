package openai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"tg-channel-digest/internal/domain"
)

const mockCompletionTokens = 42

// MockClient — детерминированный офлайн-клиент для тестов и dev-окружения.
// Одинаковый промпт всегда даёт одинаковый псевдо-дайджест.
type MockClient struct {
	model string
}

// NewMock создаёт мок-клиента.
func NewMock(model string) *MockClient {
	if model == "" {
		model = "mock-model"
	}
	return &MockClient{model: model}
}

// Generate возвращает псевдо-суммаризацию, выведенную из хэша промпта.
func (m *MockClient) Generate(_ context.Context, req domain.LLMRequest) (domain.LLMResult, error) {
	sum := sha256.Sum256([]byte(req.Prompt))
	tag := hex.EncodeToString(sum[:4])
	return domain.LLMResult{
		Text:      "⚡ Mock Digest " + tag + "\n• Mock summary item " + tag,
		Model:     m.model,
		TokensIn:  len(req.Prompt) / 4,
		TokensOut: mockCompletionTokens,
	}, nil
}

var _ domain.LLMClient = (*MockClient)(nil)
