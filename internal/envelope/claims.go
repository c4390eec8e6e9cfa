// Package envelope mints and verifies the signed job envelopes the
// orchestrator hands to workers and the signed callbacks workers hand
// back. Signing uses RS256 (asymmetric) so a worker can verify an
// envelope's authenticity with only the orchestrator's public key, never
// holding a shared secret.
package envelope

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL matches the 15 minute envelope lifetime used by the
// orchestrator's reference signing tooling.
const DefaultTTL = 15 * time.Minute

// MaxClockSkew is the leeway applied to iat/exp checks to tolerate clock
// drift between the orchestrator and a worker.
const MaxClockSkew = 60 * time.Second

// Claims is the payload signed into every job envelope. It embeds
// jwt.RegisteredClaims so golang-jwt's exp/iat validation applies
// uniformly, then adds the orchestrator-specific fields.
type Claims struct {
	jwt.RegisteredClaims

	TaskID        string `json:"task_id"`
	Owner         string `json:"owner"`
	PayloadDigest string `json:"payload_digest"` // sha256 hex of the job payload
	Ref           string `json:"ref,omitempty"`  // opaque caller-supplied correlation token
	CallbackURL   string `json:"callback_url,omitempty"`
	ConsentGiven  bool   `json:"consent_given"`
}

// CallbackClaims is the payload a worker signs when reporting a job
// outcome back to the orchestrator. Kept distinct from Claims because a
// callback asserts a result, not a work assignment, and carries no
// CallbackURL/ConsentGiven fields.
type CallbackClaims struct {
	jwt.RegisteredClaims

	TaskID       string `json:"task_id"`
	WorkerID     string `json:"worker_id"`
	Succeeded    bool   `json:"succeeded"`
	ResultDigest string `json:"result_digest,omitempty"`
}
