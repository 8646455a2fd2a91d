package expr

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"

	"github.com/spaolacci/murmur3"
	"github.com/tidwall/gjson"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
)

// Context is the JSON document variables are resolved against.
type Context struct {
	raw []byte
}

var emptyObject = []byte("{}")

// NewContext validates raw and compacts it. An empty document is treated as
// an empty object; any other root than an object is rejected.
func NewContext(raw []byte) (Context, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Context{raw: emptyObject}, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return Context{}, apperr.Validation("context is not valid JSON")
	}
	if !gjson.ParseBytes(trimmed).IsObject() {
		return Context{}, apperr.Validation("context must be a JSON object")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return Context{}, apperr.Wrap(apperr.CodeValidation, "context is not valid JSON", err)
	}
	return Context{raw: buf.Bytes()}, nil
}

// ContextFromMap marshals m into a Context.
func ContextFromMap(m map[string]any) (Context, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Context{}, apperr.Wrap(apperr.CodeValidation, "context is not serialisable", err)
	}
	return NewContext(raw)
}

// MustContext is ContextFromMap for tests and fixtures; it panics on error.
func MustContext(m map[string]any) Context {
	c, err := ContextFromMap(m)
	if err != nil {
		panic(err)
	}
	return c
}

// Raw returns the compacted JSON document.
func (c Context) Raw() []byte {
	if c.raw == nil {
		return emptyObject
	}
	return c.raw
}

// Lookup resolves a dot path. Numeric segments index arrays. The second
// result is false, and the value Undefined, when the path does not exist.
func (c Context) Lookup(path string) (Value, bool) {
	if path == "" {
		return gjson.ParseBytes(c.Raw()).Value(), true
	}
	r := gjson.GetBytes(c.Raw(), path)
	if !r.Exists() {
		return Undefined, false
	}
	return r.Value(), true
}

// Fingerprint identifies a context document. Hash is a cheap first
// comparison; the SHA-256 Digest decides, so two documents only share a
// fingerprint when they are byte-identical (barring a SHA-256 collision).
type Fingerprint struct {
	Hash   uint64
	Digest [sha256.Size]byte
}

// FingerprintOf fingerprints a compacted JSON document.
func FingerprintOf(raw []byte) Fingerprint {
	return Fingerprint{
		Hash:   murmur3.Sum64(raw),
		Digest: sha256.Sum256(raw),
	}
}

// Equal reports whether f and o identify the same document.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Hash == o.Hash && bytes.Equal(f.Digest[:], o.Digest[:])
}

// Fingerprint fingerprints the compacted document. Cached results are only
// reused for an equal fingerprint.
func (c Context) Fingerprint() Fingerprint {
	return FingerprintOf(c.Raw())
}
