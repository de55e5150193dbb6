package id

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsMonotonic(t *testing.T) {
	gen := NewGenerator()

	prev := gen.Generate()
	for i := 0; i < 100; i++ {
		next := gen.Generate()
		assert.Equal(t, 1, next.Compare(prev), "ids must sort by creation order")
		prev = next
	}
}

func TestNewSessionID(t *testing.T) {
	before := time.Now().Add(-time.Second)
	sid := NewSessionID()

	assert.True(t, strings.HasPrefix(sid.String(), "sess_"))

	ts, err := sid.Timestamp()
	require.NoError(t, err)
	assert.True(t, ts.After(before))
}

func TestSessionIDTimestampRejectsGarbage(t *testing.T) {
	_, err := SessionID("app_01ARZ3NDEKTSV4RRFFQ69G5FAV").Timestamp()
	assert.Error(t, err)

	_, err = SessionID("sess_not-a-ulid").Timestamp()
	assert.Error(t, err)
}

func TestChallengeID(t *testing.T) {
	cid := NewChallengeID()

	parsed, err := ParseChallengeID(cid.String())
	require.NoError(t, err)
	assert.Equal(t, cid, parsed)

	for _, bad := range []string{"", "chal_", "chal_123", "sess_" + strings.TrimPrefix(cid.String(), "chal_")} {
		_, err := ParseChallengeID(bad)
		assert.Error(t, err, bad)
	}
}

func TestConcurrentGeneration(t *testing.T) {
	const n = 500
	var (
		mu   sync.Mutex
		seen = make(map[SessionID]struct{}, n)
		wg   sync.WaitGroup
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid := NewSessionID()
			mu.Lock()
			seen[sid] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}
