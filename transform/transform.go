// Package transform maps legacy phone-keyed user records onto role-scoped
// records. It performs no I/O.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/kit/platform/errors"
)

const op = "transform.Expand"

// Expand returns one role-scoped record per role the legacy record holds, in
// canonical role order. A record whose phone or role indicator cannot be
// read returns an EMalformedRecord error and no records.
//
// The role indicator is the role attribute, either a single role, a
// separated list ("CUSTOMER,RIDER" or "CUSTOMER|RIDER") or a JSON array,
// together with an optional roles array left by earlier partial migrations.
func Expand(u *usermigrate.LegacyUser) ([]usermigrate.ScopedUser, error) {
	if !usermigrate.ValidPhone(u.Phone) {
		return nil, malformed(u, "phone is not an E.164 number")
	}
	if raw, ok := u.Attrs[usermigrate.AttrPhone]; ok {
		var phone string
		if err := json.Unmarshal(raw, &phone); err != nil || phone != u.Phone {
			return nil, malformed(u, "phone attribute does not match the record key")
		}
	}

	roles, err := roleSet(u)
	if err != nil {
		return nil, err
	}

	phone, err := json.Marshal(u.Phone)
	if err != nil {
		return nil, err
	}
	version, err := json.Marshal(usermigrate.ScopedSchemaVersion)
	if err != nil {
		return nil, err
	}

	out := make([]usermigrate.ScopedUser, 0, len(roles))
	for _, role := range usermigrate.Roles {
		if !roles[role] {
			continue
		}
		r, err := json.Marshal(role)
		if err != nil {
			return nil, err
		}

		attrs := make(map[string]json.RawMessage, len(u.Attrs)+1)
		for k, v := range u.Attrs {
			attrs[k] = v
		}
		delete(attrs, usermigrate.AttrRoles)
		attrs[usermigrate.AttrPhone] = phone
		attrs[usermigrate.AttrRole] = r
		attrs[usermigrate.AttrSchemaVersion] = version

		out = append(out, usermigrate.ScopedUser{
			Key:   usermigrate.Key{Phone: u.Phone, Role: role},
			Attrs: attrs,
		})
	}
	return out, nil
}

// roleSet collects every role encoded in the record.
func roleSet(u *usermigrate.LegacyUser) (map[usermigrate.Role]bool, error) {
	var indicators []string

	raw, hasRole := u.Attrs[usermigrate.AttrRole]
	if hasRole {
		vals, err := decodeIndicator(raw)
		if err != nil {
			return nil, malformed(u, "role attribute: "+err.Error())
		}
		indicators = append(indicators, vals...)
	}

	if raw, ok := u.Attrs[usermigrate.AttrRoles]; ok {
		var vals []string
		if err := json.Unmarshal(raw, &vals); err != nil {
			return nil, malformed(u, "roles attribute is not a list of strings")
		}
		indicators = append(indicators, vals...)
	}

	if len(indicators) == 0 {
		return nil, malformed(u, "no role indicator")
	}

	set := map[usermigrate.Role]bool{}
	for _, s := range indicators {
		role, ok := usermigrate.ParseRole(s)
		if !ok {
			return nil, malformed(u, fmt.Sprintf("unknown role %q", s))
		}
		set[role] = true
	}
	return set, nil
}

// decodeIndicator reads a role attribute that is either a string or a list
// of strings. A string may carry several roles separated by "," or "|".
func decodeIndicator(raw json.RawMessage) ([]string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("empty")
		}
		return strings.FieldsFunc(s, func(r rune) bool {
			return r == ',' || r == '|'
		}), nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("not a string or list of strings")
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return list, nil
}

func malformed(u *usermigrate.LegacyUser, msg string) error {
	return &errors.Error{
		Code: errors.EMalformedRecord,
		Op:   op,
		Msg:  fmt.Sprintf("legacy record %q: %s", u.Phone, msg),
	}
}
