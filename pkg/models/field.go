package models

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/nacl/secretbox"
)

// Field is a typed, serializable record attribute.
type Field interface {
	// Serialize returns the wire form of the value. ok is false when the
	// field is empty and must be omitted.
	Serialize(c *codec) (s string, ok bool, err error)

	// Deserialize replaces the value with the one encoded in s.
	Deserialize(c *codec, s string) error

	// Validate reports whether the value is acceptable on its own.
	Validate() error

	// IsEmpty reports whether the field holds no meaningful value.
	IsEmpty() bool

	// Value returns the plain value used by Dict.
	Value() any
}

// NamedField binds a Field owned by a record to its declared name.
type NamedField struct {
	Name     string
	Field    Field
	Required bool

	// Rule is an optional go-playground/validator tag applied to Value().
	Rule string
}

// codec carries what fields need while being (de)serialized.
type codec struct {
	ctx       context.Context
	manager   *Manager
	namespace string
}

// String is an opaque text field.
type String struct {
	v string
}

func (f *String) Get() string  { return f.v }
func (f *String) Set(v string) { f.v = v }

func (f *String) Serialize(_ *codec) (string, bool, error) { return f.v, f.v != "", nil }

func (f *String) Deserialize(_ *codec, s string) error {
	f.v = s
	return nil
}

func (f *String) Validate() error { return nil }
func (f *String) IsEmpty() bool   { return f.v == "" }
func (f *String) Value() any      { return f.v }

// Identifier is a string key. The empty string means unassigned.
type Identifier struct {
	v string
}

func (f *Identifier) Get() string  { return f.v }
func (f *Identifier) Set(v string) { f.v = v }

func (f *Identifier) Serialize(_ *codec) (string, bool, error) { return f.v, f.v != "", nil }

func (f *Identifier) Deserialize(_ *codec, s string) error {
	f.v = s
	return nil
}

func (f *Identifier) Validate() error {
	if strings.ContainsAny(f.v, "/:") {
		return fmt.Errorf("identifier %q must not contain '/' or ':'", f.v)
	}
	return nil
}

func (f *Identifier) IsEmpty() bool { return f.v == "" }
func (f *Identifier) Value() any    { return f.v }

// JSON holds an arbitrary nested mapping or sequence. Values are kept in
// the form they decode to, so numbers are float64.
type JSON struct {
	v any
}

func (f *JSON) Get() any  { return f.v }
func (f *JSON) Set(v any) { f.v = normalizeJSON(v) }

// normalizeJSON returns v as it reads back from its JSON encoding. Values
// that cannot be encoded are returned unchanged and fail at Serialize.
func normalizeJSON(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// Map returns the value as a mapping, or nil when it holds something else.
func (f *JSON) Map() map[string]any {
	m, _ := f.v.(map[string]any)
	return m
}

func (f *JSON) Serialize(_ *codec) (string, bool, error) {
	if f.IsEmpty() {
		return "", false, nil
	}
	b, err := json.Marshal(f.v)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode json field: %w", err)
	}
	return string(b), true, nil
}

func (f *JSON) Deserialize(_ *codec, s string) error {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return fmt.Errorf("failed to decode json field: %w", err)
	}
	f.v = v
	return nil
}

func (f *JSON) Validate() error { return nil }

func (f *JSON) IsEmpty() bool {
	switch v := f.v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	}
	return false
}

// Value returns the normalized value, which includes entries written into
// the mapping returned by Map.
func (f *JSON) Value() any { return normalizeJSON(f.v) }

// Bool is a boolean field. It is empty until set.
type Bool struct {
	v   bool
	set bool
}

func (f *Bool) Get() bool { return f.v }

func (f *Bool) Set(v bool) {
	f.v = v
	f.set = true
}

func (f *Bool) Serialize(_ *codec) (string, bool, error) {
	if !f.set {
		return "", false, nil
	}
	return strconv.FormatBool(f.v), true, nil
}

func (f *Bool) Deserialize(_ *codec, s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("failed to decode bool field: %w", err)
	}
	f.Set(v)
	return nil
}

func (f *Bool) Validate() error { return nil }
func (f *Bool) IsEmpty() bool   { return !f.set }
func (f *Bool) Value() any      { return f.v }

// Datetime is stored as unix seconds.
type Datetime struct {
	v time.Time
}

func (f *Datetime) Get() time.Time { return f.v }

func (f *Datetime) Set(v time.Time) { f.v = v.Truncate(time.Second) }

func (f *Datetime) Serialize(_ *codec) (string, bool, error) {
	if f.v.IsZero() {
		return "", false, nil
	}
	return strconv.FormatInt(f.v.Unix(), 10), true, nil
}

func (f *Datetime) Deserialize(_ *codec, s string) error {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("failed to decode datetime field: %w", err)
	}
	f.v = time.Unix(int64(secs), 0).UTC()
	return nil
}

func (f *Datetime) Validate() error { return nil }
func (f *Datetime) IsEmpty() bool   { return f.v.IsZero() }

func (f *Datetime) Value() any {
	if f.v.IsZero() {
		return nil
	}
	return f.v.Unix()
}

// Password keeps a bcrypt hash, never the plain text.
type Password struct {
	hash string
}

// Set hashes plain and stores the result.
func (f *Password) Set(plain string) error {
	if plain == "" {
		f.hash = ""
		return nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	f.hash = string(h)
	return nil
}

// Verify reports whether plain matches the stored hash.
func (f *Password) Verify(plain string) bool {
	if f.hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(f.hash), []byte(plain)) == nil
}

func (f *Password) Serialize(_ *codec) (string, bool, error) { return f.hash, f.hash != "", nil }

func (f *Password) Deserialize(_ *codec, s string) error {
	f.hash = s
	return nil
}

func (f *Password) Validate() error {
	if f.hash == "" {
		return nil
	}
	if _, err := bcrypt.Cost([]byte(f.hash)); err != nil {
		return fmt.Errorf("password is not a bcrypt hash: %w", err)
	}
	return nil
}

func (f *Password) IsEmpty() bool { return f.hash == "" }
func (f *Password) Value() any    { return f.hash }

const secretPrefix = "enc:"

// Secret is a JSON field sealed with the manager's secret key.
// Without a key it is stored as plain JSON.
type Secret struct {
	JSON
}

func (f *Secret) Serialize(c *codec) (string, bool, error) {
	plain, ok, err := f.JSON.Serialize(c)
	if err != nil || !ok {
		return "", ok, err
	}

	key := c.manager.secretKey
	if key == nil {
		return plain, true, nil
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", false, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, key)
	return secretPrefix + base64.StdEncoding.EncodeToString(sealed), true, nil
}

func (f *Secret) Deserialize(c *codec, s string) error {
	if !strings.HasPrefix(s, secretPrefix) {
		return f.JSON.Deserialize(c, s)
	}

	key := c.manager.secretKey
	if key == nil {
		return errors.New("encrypted field found but no secret key is configured")
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, secretPrefix))
	if err != nil || len(sealed) < 24 {
		return fmt.Errorf("failed to decode encrypted field: malformed payload")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, key)
	if !ok {
		return errors.New("failed to decrypt field: wrong secret key")
	}
	return f.JSON.Deserialize(c, string(bytes.TrimSpace(plain)))
}

// Relation references another record as "<Kind>:<id>".
type Relation struct {
	kind   string
	id     string
	target Record
}

// relationTo pins the kind a relation field accepts.
func relationTo(f *Relation, kind string) *Relation {
	if f.kind == "" {
		f.kind = kind
	}
	return f
}

// Set points the relation at rec.
func (f *Relation) Set(rec Record) {
	if rec == nil {
		f.id = ""
		f.target = nil
		return
	}
	f.kind = rec.Kind()
	f.id = rec.ID()
	f.target = rec
}

// Target returns the loaded record, if any.
func (f *Relation) Target() Record { return f.target }

// Ref returns the "<Kind>:<id>" reference, or "" when unset.
func (f *Relation) Ref() string {
	id := f.currentID()
	if id == "" {
		return ""
	}
	return f.kind + ":" + id
}

func (f *Relation) currentID() string {
	if f.target != nil && f.target.ID() != "" {
		return f.target.ID()
	}
	return f.id
}

func (f *Relation) Serialize(_ *codec) (string, bool, error) {
	ref := f.Ref()
	return ref, ref != "", nil
}

func (f *Relation) Deserialize(c *codec, s string) error {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || id == "" {
		return fmt.Errorf("malformed relation %q", s)
	}
	if f.kind != "" && kind != f.kind {
		return fmt.Errorf("relation expects %s, got %s", f.kind, kind)
	}

	rec, err := newRecord(kind)
	if err != nil {
		return err
	}
	if err := c.manager.Load(c.ctx, rec, c.namespace, id); err != nil {
		return fmt.Errorf("failed to resolve relation %s: %w", s, err)
	}

	f.kind = kind
	f.id = id
	f.target = rec
	return nil
}

func (f *Relation) Validate() error {
	if f.IsEmpty() {
		return nil
	}
	if f.currentID() == "" {
		return fmt.Errorf("referenced %s has no id", f.kind)
	}
	return nil
}

func (f *Relation) IsEmpty() bool { return f.target == nil && f.id == "" }

func (f *Relation) Value() any {
	ref := f.Ref()
	if ref == "" {
		return nil
	}
	return ref
}
