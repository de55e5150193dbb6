// Package id generates identifiers for bridge sessions and challenges.
//
// Session ids are prefixed ULIDs so they sort by creation time in logs.
// Challenge ids are random UUIDs: they are handed to external solvers and
// must not leak ordering.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SessionID identifies one module invocation
type SessionID string

// ChallengeID identifies an outstanding bot-protection challenge
type ChallengeID string

const (
	SessionPrefix   = "sess"
	ChallengePrefix = "chal"
	TracePrefix     = "trace"
	SpanPrefix      = "span"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewChallengeID generates a new challenge ID
func NewChallengeID() ChallengeID {
	return ChallengeID(ChallengePrefix + "_" + uuid.NewString())
}

// NewTraceID generates an id for an API request trace
func NewTraceID() string {
	return Default().GenerateWithPrefix(TracePrefix)
}

// NewSpanID generates an id for one traced operation
func NewSpanID() string {
	return Default().GenerateWithPrefix(SpanPrefix)
}

func (id SessionID) String() string   { return string(id) }
func (id ChallengeID) String() string { return string(id) }

// Timestamp extracts the creation time of a session id.
func (id SessionID) Timestamp() (time.Time, error) {
	raw, ok := strings.CutPrefix(string(id), SessionPrefix+"_")
	if !ok {
		return time.Time{}, fmt.Errorf("session id %q: missing %s prefix", id, SessionPrefix)
	}
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("session id %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}

// ParseChallengeID validates a challenge id received from a client.
func ParseChallengeID(s string) (ChallengeID, error) {
	raw, ok := strings.CutPrefix(s, ChallengePrefix+"_")
	if !ok {
		return "", fmt.Errorf("challenge id %q: missing %s prefix", s, ChallengePrefix)
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("challenge id %q: %w", s, err)
	}
	return ChallengeID(s), nil
}
