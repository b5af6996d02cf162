package domain

import "context"

// ResolvedMeta is the discovery record for an artifact (agent definition,
// skill, prompt) served by an external resolver.
type ResolvedMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Resolved is the full artifact payload.
type Resolved struct {
	ResolvedMeta
	Content []byte `json:"content,omitempty"`
}

// Resolver is the contract artifact and agent subsystems expose to the
// core. Load returns (nil, nil) when the id is unknown; errors propagate.
type Resolver interface {
	Name() string
	Discover(ctx context.Context) ([]ResolvedMeta, error)
	Load(ctx context.Context, id string) (*Resolved, error)
}
