// Package usermigrate holds the domain types of the user store key migration:
// roles, keys, legacy and role-scoped records, and run bookkeeping.
package usermigrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/honesteats/usermigrate/kit/platform/errors"
)

// Role is the account role a user record is scoped to.
type Role string

const (
	// RoleCustomer is the role of ordering customers.
	RoleCustomer Role = "CUSTOMER"
	// RoleRider is the role of delivery riders.
	RoleRider Role = "RIDER"
)

// Roles lists every known role in canonical order.
var Roles = []Role{RoleCustomer, RoleRider}

// ParseRole parses a role indicator, ignoring case and surrounding space.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleRider:
		return RoleRider, true
	default:
		return "", false
	}
}

// ScopedSchemaVersion is the schemaVersion stamped on role-scoped records.
const ScopedSchemaVersion = 2

// Attribute names with meaning to the migration.
const (
	AttrPhone         = "phone"
	AttrRole          = "role"
	AttrRoles         = "roles"
	AttrSchemaVersion = "schemaVersion"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// ValidPhone reports whether p is an E.164 normalized phone number.
func ValidPhone(p string) bool {
	return e164.MatchString(p)
}

// keySeparator joins phone and role in a role-scoped key. It can never appear
// in an E.164 number.
const keySeparator = "#"

// Key is the composite (phone, role) key of a role-scoped record.
type Key struct {
	Phone string `json:"phone"`
	Role  Role   `json:"role"`
}

// Bytes encodes the key as stored in the scoped users bucket.
func (k Key) Bytes() []byte {
	return []byte(k.String())
}

func (k Key) String() string {
	return k.Phone + keySeparator + string(k.Role)
}

// ParseKey decodes a key produced by Key.Bytes.
func ParseKey(b []byte) (Key, error) {
	i := bytes.LastIndex(b, []byte(keySeparator))
	if i < 0 {
		return Key{}, &errors.Error{
			Code: errors.EInvalid,
			Msg:  fmt.Sprintf("scoped key %q has no role", b),
		}
	}
	role, ok := ParseRole(string(b[i+1:]))
	if !ok {
		return Key{}, &errors.Error{
			Code: errors.EInvalid,
			Msg:  fmt.Sprintf("scoped key %q has unknown role", b),
		}
	}
	return Key{Phone: string(b[:i]), Role: role}, nil
}

// LegacyUser is a user record under the phone-only key schema. The stored
// bytes are retained so the record can be backed up and restored verbatim.
type LegacyUser struct {
	Phone string
	Attrs map[string]json.RawMessage
	Raw   []byte
}

// DecodeLegacyUser decodes the value stored under the legacy key.
func DecodeLegacyUser(key, value []byte) (*LegacyUser, error) {
	attrs := map[string]json.RawMessage{}
	if err := json.Unmarshal(value, &attrs); err != nil || attrs == nil {
		if err == nil {
			err = fmt.Errorf("record is null")
		}
		return nil, &errors.Error{
			Code: errors.EMalformedRecord,
			Msg:  fmt.Sprintf("legacy record %q is not a JSON object", key),
			Err:  err,
		}
	}

	raw := make([]byte, len(value))
	copy(raw, value)

	return &LegacyUser{
		Phone: string(key),
		Attrs: attrs,
		Raw:   raw,
	}, nil
}

// String returns the string attribute name, if present and a string.
func (u *LegacyUser) String(name string) (string, bool) {
	v, ok := u.Attrs[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// ScopedUser is a user record under the (phone, role) key schema.
type ScopedUser struct {
	Key   Key
	Attrs map[string]json.RawMessage
}

// Encode renders the record as stored. Attribute order is stable, so
// encoding the same record twice yields identical bytes.
func (u *ScopedUser) Encode() ([]byte, error) {
	return json.Marshal(u.Attrs)
}

// DecodeScopedUser decodes a stored role-scoped record.
func DecodeScopedUser(key, value []byte) (*ScopedUser, error) {
	k, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	attrs := map[string]json.RawMessage{}
	if err := json.Unmarshal(value, &attrs); err != nil {
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Msg:  fmt.Sprintf("scoped record %q is not a JSON object", key),
			Err:  err,
		}
	}
	return &ScopedUser{Key: k, Attrs: attrs}, nil
}
