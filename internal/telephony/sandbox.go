package telephony

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SandboxProvider accepts calls without dialing anything. It is used when no Twilio
// credentials are configured (local runs) and by tests that need to see what was placed.
type SandboxProvider struct {
	mu     sync.Mutex
	placed []PlaceCallRequest
	ended  []string

	// FailPlace, when set, is returned from PlaceCall.
	FailPlace error
	// FailEnd, when set, is returned from EndCall.
	FailEnd error
}

func NewSandboxProvider() *SandboxProvider { return &SandboxProvider{} }

func (p *SandboxProvider) Name() string { return "sandbox" }

func (p *SandboxProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if err := req.validate(); err != nil {
		return PlaceCallResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PlaceCallResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailPlace != nil {
		return PlaceCallResult{}, p.FailPlace
	}
	p.placed = append(p.placed, req)
	sid := "SB" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return PlaceCallResult{ProviderCallID: sid, Status: "queued"}, nil
}

func (p *SandboxProvider) EndCall(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return ErrInvalidRequest
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailEnd != nil {
		return p.FailEnd
	}
	p.ended = append(p.ended, providerCallID)
	return nil
}

func (p *SandboxProvider) Placed() []PlaceCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PlaceCallRequest(nil), p.placed...)
}

func (p *SandboxProvider) Ended() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ended...)
}
