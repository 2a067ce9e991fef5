package testutil

import (
	"context"
	"sync"

	"github.com/Brownie44l1/cropguard-api/internal/treatment"
)

// MockRunner is a mock implementation of model.Runner for testing
type MockRunner struct {
	RunFunc func(input []float32) ([]float32, error)

	mu        sync.Mutex
	CallCount int
	Closed    bool
}

func (m *MockRunner) Run(input []float32) ([]float32, error) {
	m.mu.Lock()
	m.CallCount++
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(input)
	}
	// Default: uniform logits over the plant village classes
	return make([]float32, len(PlantVillageClasses)), nil
}

func (m *MockRunner) Close() error {
	m.mu.Lock()
	m.Closed = true
	m.mu.Unlock()
	return nil
}

// Calls returns CallCount under the lock.
func (m *MockRunner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// Logits returns n logits where index winner leads the next best by margin.
func Logits(n, winner int, margin float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = -float32(i) * 0.01
	}
	out[winner] = margin
	return out
}

// BrightnessRunner picks bright when the mean input value is positive
// (a mostly white image) and dark otherwise.
func BrightnessRunner(bright, dark string) *MockRunner {
	return &MockRunner{
		RunFunc: func(input []float32) ([]float32, error) {
			var sum float32
			for _, v := range input {
				sum += v
			}
			winner := ClassIndex(dark)
			if sum > 0 {
				winner = ClassIndex(bright)
			}
			return Logits(len(PlantVillageClasses), winner, 6), nil
		},
	}
}

// MockGenerator is a mock implementation of treatment.Generator for testing
type MockGenerator struct {
	GenerateFunc func(ctx context.Context, prompt treatment.Prompt) (string, error)
	ModelName    string

	mu         sync.Mutex
	CallCount  int
	LastPrompt treatment.Prompt
}

func (m *MockGenerator) Generate(ctx context.Context, prompt treatment.Prompt) (string, error) {
	m.mu.Lock()
	m.CallCount++
	m.LastPrompt = prompt
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return "1. IMMEDIATE ACTIONS: remove infected leaves.", nil
}

func (m *MockGenerator) Name() string {
	if m.ModelName == "" {
		return "mock-llm"
	}
	return m.ModelName
}

// Calls returns CallCount under the lock.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// Last returns LastPrompt under the lock.
func (m *MockGenerator) Last() treatment.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastPrompt
}

// MemoryCache is an in-memory treatment.Cache.
type MemoryCache struct {
	mu      sync.Mutex
	Entries map[string]treatment.Advice
	Gets    int
	Sets    int
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{Entries: make(map[string]treatment.Advice)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (treatment.Advice, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gets++
	a, ok := c.Entries[key]
	return a, ok, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, advice treatment.Advice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sets++
	c.Entries[key] = advice
	return nil
}
