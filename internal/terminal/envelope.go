package terminal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetd-io/fleetd/pkg/protocol"
)

// Envelope timestamp layout: ISO-8601 with millisecond precision, UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z"

var (
	ErrStaleTimestamp = errors.New("envelope timestamp outside window")
	ErrReplayedNonce  = errors.New("envelope nonce already seen")
	ErrBadSignature   = errors.New("envelope signature mismatch")
)

// envelopeCanonical is the signed portion of a secure message. Field order
// fixes the canonical JSON encoding; do not reorder.
type envelopeCanonical struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId"`
	Payload   string `json:"payload"`
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
}

// NormalizePayload reduces a payload to its canonical shape for the given
// message type and returns the JSON string the HMAC is computed over. The
// agent reconstructs the same shape before verifying, so both sides must
// agree byte for byte.
func NormalizePayload(msgType string, raw json.RawMessage) (string, error) {
	switch msgType {
	case protocol.TypeTerminalInput, protocol.TypeTerminalStdin:
		var in struct {
			Data string `json:"data"`
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", fmt.Errorf("parse payload: %w", err)
			}
		}
		out, _ := json.Marshal(struct {
			Data string `json:"data"`
		}{in.Data})
		return string(out), nil

	case protocol.TypeTerminalResize:
		var in struct {
			Cols int `json:"cols"`
			Rows int `json:"rows"`
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", fmt.Errorf("parse payload: %w", err)
			}
		}
		out, _ := json.Marshal(struct {
			Cols int `json:"cols"`
			Rows int `json:"rows"`
		}{in.Cols, in.Rows})
		return string(out), nil

	case protocol.TypeExecuteCommand:
		// Missing fields become empty strings, never absent keys.
		var in struct {
			CommandID string `json:"commandId"`
			Command   string `json:"command"`
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", fmt.Errorf("parse payload: %w", err)
			}
		}
		out, _ := json.Marshal(struct {
			CommandID string `json:"commandId"`
			Command   string `json:"command"`
		}{in.CommandID, in.Command})
		return string(out), nil

	case protocol.TypeSpawnShell:
		return "{}", nil

	default:
		return "", fmt.Errorf("no canonical payload shape for type %q", msgType)
	}
}

// Wrap builds a signed secure message for an agent-bound operator action.
// agentSecret is the plaintext recovered from the machine's stored encrypted
// secret.
func (s *Service) Wrap(msgType, sessionID, machineID, agentSecret string, payload json.RawMessage) (*protocol.SecureMessage, error) {
	normalized, err := NormalizePayload(msgType, payload)
	if err != nil {
		return nil, err
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	msg := &protocol.SecureMessage{
		Type:      msgType,
		SessionID: sessionID,
		MachineID: machineID,
		Payload:   normalized,
		Nonce:     hex.EncodeToString(nonceBytes),
		Timestamp: s.now().UTC().Format(timestampLayout),
	}
	msg.HMAC = signEnvelope(agentSecret, msg)
	return msg, nil
}

// Verify checks an agent-originated secure message. Checks run in a fixed
// order, aborting on the first failure: timestamp window, nonce replay,
// signature. Failures carry no detail back to the sender.
func (s *Service) Verify(msg *protocol.SecureMessage, agentSecret string) error {
	ts, err := time.Parse(timestampLayout, msg.Timestamp)
	if err != nil {
		// Tolerate other RFC 3339 renderings of the same instant.
		ts, err = time.Parse(time.RFC3339Nano, msg.Timestamp)
		if err != nil {
			return ErrStaleTimestamp
		}
	}
	now := s.now()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.tsWindow {
		s.logger.Warn("envelope timestamp outside window",
			"machineId", msg.MachineID, "timestamp", msg.Timestamp)
		return ErrStaleTimestamp
	}

	s.mu.Lock()
	hist, ok := s.nonces[msg.MachineID]
	if !ok {
		hist = newNonceHistory()
		s.nonces[msg.MachineID] = hist
	}
	replayed := !hist.record(msg.Nonce)
	s.mu.Unlock()
	if replayed {
		s.logger.Warn("replay detected", "machineId", msg.MachineID, "nonce", msg.Nonce)
		return ErrReplayedNonce
	}

	expected := signEnvelope(agentSecret, msg)
	if !hmac.Equal([]byte(expected), []byte(msg.HMAC)) {
		s.logger.Warn("envelope signature mismatch", "machineId", msg.MachineID)
		return ErrBadSignature
	}
	return nil
}

// signEnvelope computes the HMAC over the canonical JSON with the payload as
// the exact string carried on the wire.
func signEnvelope(agentSecret string, msg *protocol.SecureMessage) string {
	canonical, _ := json.Marshal(envelopeCanonical{
		Type:      msg.Type,
		SessionID: msg.SessionID,
		MachineID: msg.MachineID,
		Payload:   msg.Payload,
		Nonce:     msg.Nonce,
		Timestamp: msg.Timestamp,
	})
	mac := hmac.New(sha256.New, []byte(agentSecret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}
