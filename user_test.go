package usermigrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/kit/platform/errors"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want usermigrate.Role
		ok   bool
	}{
		{in: "CUSTOMER", want: usermigrate.RoleCustomer, ok: true},
		{in: " rider ", want: usermigrate.RoleRider, ok: true},
		{in: "Customer", want: usermigrate.RoleCustomer, ok: true},
		{in: "", ok: false},
		{in: "ADMIN", ok: false},
		{in: "CUSTOMER,RIDER", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := usermigrate.ParseRole(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidPhone(t *testing.T) {
	assert.True(t, usermigrate.ValidPhone("+919876543210"))
	assert.True(t, usermigrate.ValidPhone("+14155550100"))
	assert.False(t, usermigrate.ValidPhone("919876543210"))
	assert.False(t, usermigrate.ValidPhone("+019876543210"))
	assert.False(t, usermigrate.ValidPhone("+91 98765 43210"))
	assert.False(t, usermigrate.ValidPhone("+1234"))
	assert.False(t, usermigrate.ValidPhone(""))
}

func TestKey(t *testing.T) {
	k := usermigrate.Key{Phone: "+919876543210", Role: usermigrate.RoleRider}
	assert.Equal(t, "+919876543210#RIDER", k.String())

	got, err := usermigrate.ParseKey(k.Bytes())
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = usermigrate.ParseKey([]byte("+919876543210"))
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))

	_, err = usermigrate.ParseKey([]byte("+919876543210#ADMIN"))
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}

func TestDecodeLegacyUser(t *testing.T) {
	value := []byte(`{"phone":"+919876543210","role":"CUSTOMER","name":"Asha"}`)
	u, err := usermigrate.DecodeLegacyUser([]byte("+919876543210"), value)
	require.NoError(t, err)

	assert.Equal(t, "+919876543210", u.Phone)
	assert.Equal(t, value, u.Raw)
	name, ok := u.String("name")
	assert.True(t, ok)
	assert.Equal(t, "Asha", name)

	_, ok = u.String("email")
	assert.False(t, ok)

	value[0] = '['
	assert.Equal(t, byte('{'), u.Raw[0], "raw bytes must not alias the input")

	for _, bad := range []string{`[1,2]`, `"CUSTOMER"`, `null`, `{"phone":`} {
		_, err := usermigrate.DecodeLegacyUser([]byte("+919876543210"), []byte(bad))
		assert.Equal(t, errors.EMalformedRecord, errors.ErrorCode(err), bad)
	}
}

func TestScopedUser_Encode(t *testing.T) {
	u, err := usermigrate.DecodeScopedUser(
		[]byte("+919876543210#CUSTOMER"),
		[]byte(`{"schemaVersion":2,"role":"CUSTOMER","phone":"+919876543210"}`),
	)
	require.NoError(t, err)
	assert.Equal(t, usermigrate.RoleCustomer, u.Key.Role)

	b, err := u.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"phone":"+919876543210","role":"CUSTOMER","schemaVersion":2}`, string(b))
}

func TestCounts(t *testing.T) {
	c := usermigrate.Counts{Scanned: 10, Migrated: 9, Malformed: 1}
	c.Add(usermigrate.Counts{Scanned: 2, Failed: 1, VerificationFailed: 1})
	assert.Equal(t, 12, c.Scanned)
	assert.Equal(t, 3, c.Failures())
}

func TestReport_RecordError(t *testing.T) {
	var r usermigrate.Report
	r.RecordError(errors.EMalformedRecord, "+919876543215")
	r.RecordError(errors.EMalformedRecord, "+919876543211")
	r.Sort()
	assert.Equal(t, []string{"+919876543211", "+919876543215"}, r.Errors[errors.EMalformedRecord])
}
