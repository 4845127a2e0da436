package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ChangeEvent is published after every committed mutation and fanned out
// to authorized WebSocket subscribers.
type ChangeEvent struct {
	EntityType    string    `json:"entity"`
	EntityID      string    `json:"id"`
	ActorUserID   string    `json:"actor"`
	Action        string    `json:"action"`
	PayloadDigest string    `json:"payload_digest,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	// OwnerUserID and AssigneeIDs drive fan-out authorization; they are
	// not part of the wire message.
	OwnerUserID string   `json:"-"`
	AssigneeIDs []string `json:"-"`
}

// DigestPayload computes a stable digest of a mutation payload for the
// wire message, avoiding shipping full entity bodies over the socket.
func DigestPayload(payload interface{}) string {
	if payload == nil {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
