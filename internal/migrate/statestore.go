package migrate

import (
	"context"
	"encoding/json"
	"fmt"

	"habitsync/internal/remote"
)

// StateStore persists the per-user migration progress record. A missing
// record loads as a default notStarted state, never as an error.
type StateStore interface {
	Load(ctx context.Context, userID string) (*State, error)
	Save(ctx context.Context, state *State, userID string) error
	Clear(ctx context.Context, userID string) error
	Exists(ctx context.Context, userID string) (bool, error)
}

// statePath is the fixed logical path of the per-user state document.
func statePath(userID string) string {
	return fmt.Sprintf("users/%s/migration/state", userID)
}

// RemoteStateStore keeps the state as a document in the remote store.
type RemoteStateStore struct {
	client remote.Client
}

// NewRemoteStateStore creates a remote-backed state store.
func NewRemoteStateStore(client remote.Client) *RemoteStateStore {
	return &RemoteStateStore{client: client}
}

func (s *RemoteStateStore) Load(ctx context.Context, userID string) (*State, error) {
	doc, err := s.client.Get(ctx, statePath(userID))
	if err == remote.ErrNotFound {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load migration state: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode migration state: %w", err)
	}
	if state.Metadata == nil {
		state.Metadata = make(map[string]string)
	}
	return &state, nil
}

func (s *RemoteStateStore) Save(ctx context.Context, state *State, userID string) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}

	return s.client.Apply(ctx, remote.WriteOperation{
		Kind: remote.OpSet,
		Path: statePath(userID),
		Data: doc,
	})
}

func (s *RemoteStateStore) Clear(ctx context.Context, userID string) error {
	return s.client.Delete(ctx, statePath(userID))
}

func (s *RemoteStateStore) Exists(ctx context.Context, userID string) (bool, error) {
	return s.client.Exists(ctx, statePath(userID))
}
