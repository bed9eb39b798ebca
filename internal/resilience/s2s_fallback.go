package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voxline/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across several voice
// services. Only session establishment is covered; once a session is open,
// its failures end the call as usual.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] preferring primary.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another provider, tried after all earlier ones.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Group exposes the underlying group, e.g. for breaker inspection.
func (f *S2SFallback) Group() *FallbackGroup[s2s.Provider] {
	return f.group
}

// Connect opens a session on the first healthy provider.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	sess, name, err := ExecuteWithResult(ctx, f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("voice session opened", "provider", name)
	return sess, nil
}

// Capabilities reports the primary provider's capabilities.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.entries[0].value.Capabilities()
}
