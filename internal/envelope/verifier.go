package envelope

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaygrid/orchestrator/internal/orcherr"
)

// Verifier checks signed envelopes and callbacks against a set of known
// public keys, indexed by key ID. Holding more than one key lets the
// orchestrator rotate its signing key without invalidating envelopes
// already in flight: publish the new key alongside the old one, switch
// the Signer over, retire the old key only after its TTL window has
// fully elapsed.
type Verifier struct {
	mu         sync.RWMutex
	publicKeys map[string]*rsa.PublicKey
	issuer     string // expected issuer; empty means no issuer check
}

// NewVerifier constructs a Verifier with an initial set of trusted keys.
func NewVerifier(issuer string, keys map[string]*rsa.PublicKey) *Verifier {
	set := make(map[string]*rsa.PublicKey, len(keys))
	for k, v := range keys {
		set[k] = v
	}
	return &Verifier{publicKeys: set, issuer: issuer}
}

// AddKey registers an additional trusted public key, e.g. when rotating in
// a new signing key ahead of cutover.
func (v *Verifier) AddKey(keyID string, key *rsa.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.publicKeys[keyID] = key
}

// RemoveKey retires a public key, e.g. once every envelope signed with it
// has expired.
func (v *Verifier) RemoveKey(keyID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.publicKeys, keyID)
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)
	v.mu.RLock()
	defer v.mu.RUnlock()
	if kid != "" {
		if key, ok := v.publicKeys[kid]; ok {
			return key, nil
		}
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	// No kid header: only viable when exactly one key is trusted.
	if len(v.publicKeys) == 1 {
		for _, key := range v.publicKeys {
			return key, nil
		}
	}
	return nil, fmt.Errorf("envelope has no kid and multiple keys are trusted")
}

// VerifyEnvelope parses and validates a job envelope: signature, issuer
// (if configured), and the exp/iat window with MaxClockSkew leeway. A TTL
// longer than DefaultTTL plus MaxClockSkew is rejected even if otherwise
// well-formed, since
// workers must not honor envelopes with an unbounded lifetime.
func (v *Verifier) VerifyEnvelope(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(MaxClockSkew),
	)
	if v.issuer != "" {
		parser = jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithLeeway(MaxClockSkew),
			jwt.WithIssuer(v.issuer),
		)
	}

	parsed, err := parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !parsed.Valid {
		return nil, &orcherr.EnvelopeInvalid{Reason: orcherr.ReasonMalformed}
	}

	if claims.IssuedAt != nil && claims.ExpiresAt != nil {
		life := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
		if life > DefaultTTL+MaxClockSkew {
			return nil, &orcherr.EnvelopeInvalid{
				Reason: orcherr.ReasonExpired,
				Err:    fmt.Errorf("envelope TTL %s exceeds maximum %s", life, DefaultTTL),
			}
		}
	}
	if claims.TaskID == "" {
		return nil, &orcherr.EnvelopeInvalid{Reason: orcherr.ReasonMalformed, Err: fmt.Errorf("missing task_id")}
	}

	return claims, nil
}

// VerifyCallback parses and validates a worker's signed callback.
func (v *Verifier) VerifyCallback(token string) (*CallbackClaims, error) {
	claims := &CallbackClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(MaxClockSkew),
	)
	parsed, err := parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !parsed.Valid {
		return nil, &orcherr.EnvelopeInvalid{Reason: orcherr.ReasonMalformed}
	}
	if claims.TaskID == "" || claims.WorkerID == "" {
		return nil, &orcherr.EnvelopeInvalid{Reason: orcherr.ReasonMalformed, Err: fmt.Errorf("missing task_id or worker_id")}
	}
	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case err == nil:
		return nil
	case timeValidationError(err):
		return &orcherr.EnvelopeInvalid{Reason: orcherr.ReasonExpired, Err: err}
	default:
		return &orcherr.EnvelopeInvalid{Reason: orcherr.ReasonBadSignature, Err: err}
	}
}

func timeValidationError(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenUsedBeforeIssued) || errors.Is(err, jwt.ErrTokenNotValidYet)
}

// Now is not read anywhere in this package: the signer calls time.Now
// directly and the verifier relies on golang-jwt's own clock, so replacing
// Now does not change either one's notion of the current time.
var Now = time.Now
