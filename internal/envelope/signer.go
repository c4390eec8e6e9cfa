package envelope

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignRequest describes one job envelope to mint.
type SignRequest struct {
	TaskID        string
	Owner         string
	PayloadDigest string
	Ref           string
	CallbackURL   string
	ConsentGiven  bool
	TTL           time.Duration // zero means DefaultTTL
}

// Signer mints signed job envelopes using the orchestrator's current
// RS256 private key. Exactly one key is active for signing at a time;
// prior keys are retained only by the Verifier side for rotation.
type Signer struct {
	keyID      string
	privateKey *rsa.PrivateKey
	issuer     string
}

// NewSigner constructs a Signer bound to one RSA private key, identified
// by keyID in the token's "kid" header so a multi-key Verifier can select
// the right public key without trial-and-error.
func NewSigner(keyID, issuer string, privateKey *rsa.PrivateKey) *Signer {
	return &Signer{keyID: keyID, privateKey: privateKey, issuer: issuer}
}

// Sign mints a job envelope as a compact RS256 JWT.
func (s *Signer) Sign(req SignRequest) (string, error) {
	if req.TaskID == "" {
		return "", fmt.Errorf("envelope: task id is required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TaskID:        req.TaskID,
		Owner:         req.Owner,
		PayloadDigest: req.PayloadDigest,
		Ref:           req.Ref,
		CallbackURL:   req.CallbackURL,
		ConsentGiven:  req.ConsentGiven,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	return token.SignedString(s.privateKey)
}

// CallbackSigner mints signed callbacks on behalf of a worker. It lives in
// this package (rather than internal/transport) because a worker and the
// orchestrator share the exact same claim shape and TTL rules.
type CallbackSigner struct {
	keyID      string
	privateKey *rsa.PrivateKey
	workerID   string
}

func NewCallbackSigner(keyID, workerID string, privateKey *rsa.PrivateKey) *CallbackSigner {
	return &CallbackSigner{keyID: keyID, privateKey: privateKey, workerID: workerID}
}

func (s *CallbackSigner) Sign(taskID, resultDigest string, succeeded bool, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TaskID:       taskID,
		WorkerID:     s.workerID,
		Succeeded:    succeeded,
		ResultDigest: resultDigest,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	return token.SignedString(s.privateKey)
}
