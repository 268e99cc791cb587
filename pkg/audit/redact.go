package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// redactRecord hashes the fields that can carry personal or sensitive data.
// Verdict, reason, gate and threat fields stay in the clear, since those are
// what operators grep the audit trail for.
func redactRecord(rec Record, salt []byte) Record {
	rec.AgentID = hashString(rec.AgentID, salt)
	rec.Command = hashString(rec.Command, salt)
	if rec.ActorID != "" {
		rec.ActorID = hashString(rec.ActorID, salt)
	}
	return rec
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
