// Package outcome is the append-only, per-attack log of observed interactions.
// Entries for one attack form a hash chain so later tampering is detectable.
package outcome

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"hookline/pkg/artifact"
)

// Type of an observed interaction.
type Type string

const (
	EmailSent            Type = "EMAIL_SENT"
	EmailOpened          Type = "EMAIL_OPENED"
	LinkClicked          Type = "LINK_CLICKED"
	CredentialsSubmitted Type = "CREDENTIALS_SUBMITTED"
)

// Entry is a single record in an attack's outcome log.
type Entry struct {
	ID        string         `json:"id"`        // UUID v7
	AttackID  string         `json:"attack_id"` // chain scope
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	Hash      string         `json:"hash"`
	PrevHash  string         `json:"prev_hash"`
}

// Store is the contract for outcome persistence.
type Store interface {
	Append(ctx context.Context, attackID string, t Type, payload map[string]any, at time.Time) (*Entry, error)
	ByAttack(ctx context.Context, attackID string, limit int) ([]Entry, error)
	// Latest returns the newest entry of an attack.
	Latest(ctx context.Context, attackID string) (*Entry, error)
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Since(ctx context.Context, afterID string, limit int) ([]Entry, error)
	VerifyChain(ctx context.Context, attackID string) error
	EnsureTable(ctx context.Context) error
}

// ArtifactPayload describes the artifact an entry refers to.
func ArtifactPayload(a *artifact.Artifact) map[string]any {
	return map[string]any{
		"artifact": map[string]any{
			"id":      a.ID,
			"type":    string(a.Content.Kind),
			"excerpt": a.Excerpt(),
		},
	}
}

// Seal fills e.PrevHash and e.Hash so e follows prevHash in the chain.
func Seal(e *Entry, prevHash string) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	e.PrevHash = prevHash
	e.Hash = computeHash(prevHash, e.ID, e.AttackID, string(e.Type), e.CreatedAt, payload)
	return nil
}

// Verify checks that entries, in chronological order, form an unbroken chain.
func Verify(entries []Entry) error {
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("entry %d (%s): prev_hash mismatch: got %s, want %s", i, e.ID, e.PrevHash, prev)
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("entry %d (%s): marshal payload: %w", i, e.ID, err)
		}
		if want := computeHash(prev, e.ID, e.AttackID, string(e.Type), e.CreatedAt, payload); e.Hash != want {
			return fmt.Errorf("entry %d (%s): hash mismatch: got %s, want %s", i, e.ID, e.Hash, want)
		}
		prev = e.Hash
	}
	return nil
}

func computeHash(prevHash, id, attackID, entryType string, at time.Time, payload []byte) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, id, attackID, entryType, at.UnixNano(), string(payload))
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}
