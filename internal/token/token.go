// Package token issues the tamper-proof value carried by the trigger
// payload. It binds an intent id to the instant it was scheduled for, so a
// webhook wake-up can be authenticated with one local HMAC check instead of
// a signature-verification round trip on the latency-critical path.
package token

import (
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

const name = "prebook_trigger"

type Codec struct {
	sc *securecookie.SecureCookie
}

// New builds a codec keyed by hashKey. maxAge bounds token freshness and
// must cover the scheduling horizon (intents can sit for weeks before the
// trigger fires) but no more.
func New(hashKey []byte, maxAge time.Duration) *Codec {
	sc := securecookie.New(hashKey, nil)
	sc.MaxAge(int(maxAge.Seconds()))
	return &Codec{sc: sc}
}

type claims struct {
	ID string
	At int64
}

func (c *Codec) Issue(id uuid.UUID, executeAt time.Time) (string, error) {
	return c.sc.Encode(name, claims{ID: id.String(), At: executeAt.UnixMilli()})
}

// Verify checks the HMAC, the embedded freshness timestamp, and that the
// token was minted for exactly this intent and instant. Comparison is
// constant-time; any mismatch means the caller must respond unauthorized
// without touching the store.
func (c *Codec) Verify(tok string, id uuid.UUID, executeAt time.Time) bool {
	var cl claims
	if err := c.sc.Decode(name, tok, &cl); err != nil {
		return false
	}
	idMatch := subtle.ConstantTimeCompare([]byte(cl.ID), []byte(id.String())) == 1
	return idMatch && cl.At == executeAt.UnixMilli()
}
