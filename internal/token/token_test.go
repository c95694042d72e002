package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestIssueVerify(t *testing.T) {
	c := New(testKey, time.Hour)
	id := uuid.New()
	at := time.Now().Add(30 * time.Minute).Truncate(time.Millisecond)

	tok, err := c.Issue(id, at)
	require.NoError(t, err)
	assert.True(t, c.Verify(tok, id, at))
}

func TestVerifyRejectsWrongIntent(t *testing.T) {
	c := New(testKey, time.Hour)
	at := time.Now().Add(time.Minute)

	tok, err := c.Issue(uuid.New(), at)
	require.NoError(t, err)
	assert.False(t, c.Verify(tok, uuid.New(), at), "token must be bound to its intent id")
}

func TestVerifyRejectsWrongInstant(t *testing.T) {
	c := New(testKey, time.Hour)
	id := uuid.New()
	at := time.Now().Add(time.Minute)

	tok, err := c.Issue(id, at)
	require.NoError(t, err)
	assert.False(t, c.Verify(tok, id, at.Add(time.Second)), "replay at a different instant must fail")
}

func TestVerifyRejectsGarbageAndForeignKey(t *testing.T) {
	c := New(testKey, time.Hour)
	id := uuid.New()
	at := time.Now()

	assert.False(t, c.Verify("", id, at))
	assert.False(t, c.Verify("not-a-token", id, at))

	other := New([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	tok, err := other.Issue(id, at)
	require.NoError(t, err)
	assert.False(t, c.Verify(tok, id, at), "token minted under another key must fail")
}
