package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// MachineID derives a stable 64 hex char machine identifier from a seed,
// normally the identity id. The upstream uses it to distinguish installs, so
// it must stay constant across restarts for the same identity.
func MachineID(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// BuildHeaders returns the header set for a generateAssistantResponse call.
// A fresh invocation id is minted per call.
func BuildHeaders(token, version, machineID, agentMode string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+token)
	h.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", version, machineID))
	h.Set("amz-sdk-invocation-id", uuid.NewString())
	if agentMode != "" {
		h.Set("x-amzn-kiro-agent-mode", agentMode)
	}
	return h
}
