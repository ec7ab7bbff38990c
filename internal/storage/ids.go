package storage

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh row id.
func NewID() string { return uuid.New().String() }

// NewTag returns an opaque value used for etags and ctags.
func NewTag() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func FormatSyncToken(seq int64) string {
	return "seq:" + strconv.FormatInt(seq, 10)
}

// ParseSyncToken accepts both bare "seq:N" tokens and URL forms ending in "/seq:N".
func ParseSyncToken(tok string) (int64, bool) {
	tok = strings.TrimSpace(tok)
	if i := strings.LastIndex(tok, "/"); i >= 0 {
		tok = tok[i+1:]
	}
	v, ok := strings.CutPrefix(tok, "seq:")
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func JoinComponents(c []string) string { return strings.Join(c, ",") }

func SplitComponents(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
