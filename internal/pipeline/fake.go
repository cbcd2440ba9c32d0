package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type FakeGenerator struct {
	delay time.Duration
}

func NewFakeGenerator(delay time.Duration) *FakeGenerator {
	return &FakeGenerator{delay: delay}
}

func (f *FakeGenerator) Name() string {
	return "fake"
}

func (f *FakeGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if req.InputPath == "" {
		return GenerateResult{}, fmt.Errorf("input path is required")
	}
	if f.delay > 0 {
		timer := time.NewTimer(f.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return GenerateResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	return GenerateResult{
		MediaURL: fmt.Sprintf("https://cdn.example/memorials/%d/%s-%s.mp4", req.MemorialID, req.SessionKey, uuid.NewString()[:8]),
	}, nil
}
