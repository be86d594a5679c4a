package queue

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// jobIDLen is the number of random bytes minted per job ID. Base32-encoded
// without padding this yields a 26-character, URL-safe, case-insensitive ID
// well above spec.md's >=16 character floor.
const jobIDLen = 16

var jobIDPattern = regexp.MustCompile(`^[A-Z2-7]{20,40}$`)

var secretLikePattern = regexp.MustCompile(`(?i)(password|token|secret|authorization|api[_-]?key)\s*[:=]\s*(?:bearer\s+)?\S+`)

// SecurityGate mints and validates job IDs, authorizes (user, job) pairs
// against the tuple recorded at enqueue time, and sanitizes text before it
// reaches logs or callers. All cross-component error reporting is expected
// to funnel through Sanitize.
type SecurityGate struct {
	redisClient *redis.Client
}

func NewSecurityGate(redisClient *redis.Client) *SecurityGate {
	return &SecurityGate{redisClient: redisClient}
}

// MintJobID generates a cryptographically random, URL-safe job ID.
func (g *SecurityGate) MintJobID() (string, error) {
	buf := make([]byte, jobIDLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("minting job id: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// ValidateJobID performs a shape-only check. It never consults the store --
// an ID can be well-formed and still unknown.
func (g *SecurityGate) ValidateJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// RecordAuthorization persists the (jobId, userId, platformId) tuple with
// the given TTL. Called by Manager.Enqueue immediately after admission.
func (g *SecurityGate) RecordAuthorization(ctx context.Context, jobID, userID, platformID string, ttl time.Duration) error {
	if g.redisClient == nil {
		return nil
	}
	val := userID + ":" + platformID
	return g.redisClient.Set(ctx, AuthzKey(jobID), val, ttl).Err()
}

// Authorize checks the authorization tuple recorded at enqueue time. An
// admin caller bypasses the tuple check entirely.
func (g *SecurityGate) Authorize(ctx context.Context, jobID, userID string, isAdmin bool) (bool, error) {
	if isAdmin {
		return true, nil
	}
	if g.redisClient == nil {
		return false, nil
	}
	val, err := g.redisClient.Get(ctx, AuthzKey(jobID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	parts := strings.SplitN(val, ":", 2)
	return len(parts) > 0 && parts[0] == userID, nil
}

// Sanitize strips log-injection sequences (CR/LF, ANSI escapes) and
// secret-shaped substrings before a message is written to a log or
// returned to a caller. It is deliberately a denylist, not a general PII
// scrubber -- matching original_source's security_utils.sanitize_for_log.
func (g *SecurityGate) Sanitize(message string) string {
	s := strings.ReplaceAll(message, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = stripANSI(s)
	s = secretLikePattern.ReplaceAllString(s, "$1=[redacted]")
	return s
}

var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
