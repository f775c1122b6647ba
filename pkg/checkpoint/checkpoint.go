// Package checkpoint saves campaign progress to disk so an interrupted
// run can resume without repeating finished work.
//
// A checkpoint is one human-readable JSON file per campaign, written
// atomically with owner-only permissions. The run command saves on a
// timer and once more during shutdown. Resume loads the state, skips
// every finalized candidate index and reuses the campaign id, so
// re-delivered results land on their original rows.
//
// Stale checkpoints are cleaned up by age; a campaign that completes
// normally deletes its own checkpoint on the way out.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AshfordSecurity/carousel/pkg/types"
)

// State is the saved progress of one campaign.
type State struct {
	CampaignID string       `json:"campaign_id"`
	Engagement string       `json:"engagement,omitempty"`
	Target     types.Target `json:"target"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`

	Issued    int64                   `json:"issued"`
	Completed int64                   `json:"completed"`
	Counts    map[types.Outcome]int64 `json:"counts,omitempty"`

	// Finalized holds every candidate index that already has a terminal
	// result. A resumed run must not test these again.
	Finalized []int `json:"finalized"`
}

// FromSnapshot builds checkpoint state from a live campaign.
func FromSnapshot(snap types.CampaignSnapshot, finalized []int) *State {
	return &State{
		CampaignID: snap.ID,
		Engagement: snap.Engagement,
		Target: types.Target{
			Username: snap.TargetUser,
			Endpoint: snap.Endpoint,
			Verifier: snap.Verifier,
		},
		CreatedAt: snap.StartedAt,
		UpdatedAt: time.Now().UTC(),
		Issued:    snap.Issued,
		Completed: snap.Completed,
		Counts:    snap.Counts,
		Finalized: finalized,
	}
}

// Validate rejects checkpoints that cannot safely seed a resumed run.
func (s *State) Validate() error {
	if s.CampaignID == "" {
		return fmt.Errorf("invalid checkpoint: empty campaign_id")
	}
	if s.Target.Username == "" || s.Target.Endpoint == "" {
		return fmt.Errorf("invalid checkpoint: incomplete target")
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("invalid checkpoint: zero created_at timestamp")
	}
	if s.UpdatedAt.IsZero() {
		return fmt.Errorf("invalid checkpoint: zero updated_at timestamp")
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		return fmt.Errorf("invalid checkpoint: updated_at before created_at")
	}
	if s.Completed > s.Issued {
		return fmt.Errorf("invalid checkpoint: completed %d exceeds issued %d", s.Completed, s.Issued)
	}
	for _, idx := range s.Finalized {
		if idx < 0 {
			return fmt.Errorf("invalid checkpoint: negative candidate index %d", idx)
		}
	}
	return nil
}

// FinalizedSet returns the finalized indexes as a lookup set for the
// candidate source filter.
func (s *State) FinalizedSet() map[int]bool {
	set := make(map[int]bool, len(s.Finalized))
	for _, idx := range s.Finalized {
		set[idx] = true
	}
	return set
}

// Manager handles checkpoint storage and retrieval.
type Manager struct {
	dir string
}

// NewManager creates a checkpoint manager rooted at dir. An empty dir
// falls back to ~/.carousel/checkpoints.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".carousel", "checkpoints")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Manager{dir: dir}, nil
}

// Save writes a checkpoint to disk via temp file and rename, so a crash
// mid-write never leaves a corrupted file behind.
func (m *Manager) Save(ctx context.Context, state *State) error {
	if state.CampaignID == "" {
		return fmt.Errorf("checkpoint state must have a campaign_id")
	}

	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	finalPath := filepath.Join(m.dir, state.CampaignID+".json")
	tempPath := filepath.Join(m.dir, "."+state.CampaignID+".json.tmp")

	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// Load reads a checkpoint by campaign id. A unique id suffix works too,
// so operators can resume with the short tail of a UUID.
func (m *Manager) Load(ctx context.Context, campaignID string) (*State, error) {
	filename := filepath.Join(m.dir, campaignID+".json")

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		found, err := m.findBySuffix(campaignID)
		if err != nil {
			return nil, err
		}
		if found == "" {
			return nil, fmt.Errorf("checkpoint not found for campaign: %s", campaignID)
		}
		filename = found
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w (file may be corrupted)", err)
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint validation failed: %w", err)
	}

	return &state, nil
}

func (m *Manager) findBySuffix(suffix string) (string, error) {
	files, err := os.ReadDir(m.dir)
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var matches []string
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(file.Name(), ".json")
		if strings.HasSuffix(id, suffix) {
			matches = append(matches, filepath.Join(m.dir, file.Name()))
		}
	}

	switch len(matches) {
	case 0:
		return "", nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("checkpoint suffix %q matches %d campaigns, use a longer id", suffix, len(matches))
	}
}

// List returns all readable checkpoints, most recently updated first.
// Corrupted files are skipped.
func (m *Manager) List(ctx context.Context) ([]State, error) {
	files, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var states []State
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}

		id := strings.TrimSuffix(file.Name(), ".json")
		state, err := m.Load(ctx, id)
		if err != nil {
			continue
		}
		states = append(states, *state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})

	return states, nil
}

// Delete removes a checkpoint from disk.
func (m *Manager) Delete(ctx context.Context, campaignID string) error {
	filename := filepath.Join(m.dir, campaignID+".json")

	if err := os.Remove(filename); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("checkpoint not found: %s", campaignID)
		}
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	return nil
}

// CleanupOld removes checkpoints whose last update is older than maxAge
// and reports how many were deleted.
func (m *Manager) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	states, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	cutoff := time.Now().Add(-maxAge)

	for _, state := range states {
		if state.UpdatedAt.Before(cutoff) {
			if err := m.Delete(ctx, state.CampaignID); err != nil {
				continue
			}
			deleted++
		}
	}

	return deleted, nil
}
