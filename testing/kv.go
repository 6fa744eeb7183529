package testing

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
)

// KVStoreFields will include the pairs to populate the store with.
type KVStoreFields struct {
	Bucket []byte
	Pairs  []kv.Pair
}

func diffErrorCodes(name string, actual error, code string, t *testing.T) {
	t.Helper()

	if code == "" && actual == nil {
		return
	}
	if code == "" && actual != nil {
		t.Fatalf("%s failed, unexpected error %s", name, actual.Error())
	}
	if code != "" && actual == nil {
		t.Fatalf("%s failed, expected error code %q but received nil", name, code)
	}
	if errors.ErrorCode(actual) != code {
		t.Fatalf("%s failed, expected error code %q but received %q (%v)", name, code, errors.ErrorCode(actual), actual)
	}
}

func seed(ctx context.Context, t *testing.T, s kv.Store, fields KVStoreFields) {
	t.Helper()
	for _, p := range fields.Pairs {
		if err := s.Put(ctx, fields.Bucket, p.Key, p.Value); err != nil {
			t.Fatalf("failed to seed %q: %v", p.Key, err)
		}
	}
}

// KVStore tests a kv.Store implementation against the contract the
// migration relies on.
func KVStore(
	init func(KVStoreFields, *testing.T) (kv.Store, func()),
	t *testing.T,
) {
	tests := []struct {
		name string
		fn   func(init func(KVStoreFields, *testing.T) (kv.Store, func()), t *testing.T)
	}{
		{name: "Get", fn: KVGet},
		{name: "PutIfAbsent", fn: KVPutIfAbsent},
		{name: "Put", fn: KVPut},
		{name: "Delete", fn: KVDelete},
		{name: "ScanPage", fn: KVScanPage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(init, t)
		})
	}
}

var usersBucket = []byte("usersv1")

// KVGet tests reading keys.
func KVGet(
	init func(KVStoreFields, *testing.T) (kv.Store, func()),
	t *testing.T,
) {
	tests := []struct {
		name   string
		fields KVStoreFields
		key    []byte
		want   []byte
		code   string
	}{
		{
			name: "existing key",
			fields: KVStoreFields{
				Bucket: usersBucket,
				Pairs:  []kv.Pair{{Key: []byte("+919876543210"), Value: []byte(`{"role":"CUSTOMER"}`)}},
			},
			key:  []byte("+919876543210"),
			want: []byte(`{"role":"CUSTOMER"}`),
		},
		{
			name: "missing key",
			fields: KVStoreFields{
				Bucket: usersBucket,
				Pairs:  []kv.Pair{{Key: []byte("+919876543210"), Value: []byte(`{}`)}},
			},
			key:  []byte("+919876543211"),
			code: errors.ENotFound,
		},
		{
			name:   "missing bucket",
			fields: KVStoreFields{Bucket: usersBucket},
			key:    []byte("+919876543210"),
			code:   errors.ENotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, done := init(tt.fields, t)
			defer done()
			ctx := context.Background()
			seed(ctx, t, s, tt.fields)

			got, err := s.Get(ctx, usersBucket, tt.key)
			diffErrorCodes(tt.name, err, tt.code, t)
			if diff := cmp.Diff(string(tt.want), string(got)); diff != "" {
				t.Errorf("values are different -want/+got\ndiff %s", diff)
			}
		})
	}
}

// KVPutIfAbsent tests conditional creation.
func KVPutIfAbsent(
	init func(KVStoreFields, *testing.T) (kv.Store, func()),
	t *testing.T,
) {
	s, done := init(KVStoreFields{}, t)
	defer done()
	ctx := context.Background()

	key := []byte("+919876543210#CUSTOMER")
	if err := s.PutIfAbsent(ctx, usersBucket, key, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("first put failed: %v", err)
	}

	err := s.PutIfAbsent(ctx, usersBucket, key, []byte(`{"v":2}`))
	diffErrorCodes("second put", err, errors.EAlreadyExists, t)

	got, err := s.Get(ctx, usersBucket, key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Fatalf("conditional put overwrote value: %s", got)
	}
}

// KVPut tests unconditional writes.
func KVPut(
	init func(KVStoreFields, *testing.T) (kv.Store, func()),
	t *testing.T,
) {
	fields := KVStoreFields{
		Bucket: usersBucket,
		Pairs:  []kv.Pair{{Key: []byte("+919876543210"), Value: []byte(`{"name":"Asha"}`)}},
	}
	s, done := init(fields, t)
	defer done()
	ctx := context.Background()
	seed(ctx, t, s, fields)

	if err := s.Put(ctx, usersBucket, []byte("+919876543210"), []byte(`{"name":"Asha K"}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := s.Get(ctx, usersBucket, []byte("+919876543210"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != `{"name":"Asha K"}` {
		t.Fatalf("unexpected value %s", got)
	}
}

// KVDelete tests removal of keys.
func KVDelete(
	init func(KVStoreFields, *testing.T) (kv.Store, func()),
	t *testing.T,
) {
	fields := KVStoreFields{
		Bucket: usersBucket,
		Pairs:  []kv.Pair{{Key: []byte("a"), Value: []byte("1")}},
	}
	s, done := init(fields, t)
	defer done()
	ctx := context.Background()
	seed(ctx, t, s, fields)

	if err := s.Delete(ctx, usersBucket, []byte("a")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, err := s.Get(ctx, usersBucket, []byte("a"))
	diffErrorCodes("get after delete", err, errors.ENotFound, t)

	err = s.Delete(ctx, usersBucket, []byte("a"))
	diffErrorCodes("second delete", err, errors.ENotFound, t)
}

// KVScanPage tests paginated scans.
func KVScanPage(
	init func(KVStoreFields, *testing.T) (kv.Store, func()),
	t *testing.T,
) {
	fields := KVStoreFields{
		Bucket: usersBucket,
		Pairs: []kv.Pair{
			{Key: []byte("c"), Value: []byte("3")},
			{Key: []byte("a"), Value: []byte("1")},
			{Key: []byte("e"), Value: []byte("5")},
			{Key: []byte("b"), Value: []byte("2")},
			{Key: []byte("d"), Value: []byte("4")},
		},
	}
	s, done := init(fields, t)
	defer done()
	ctx := context.Background()
	seed(ctx, t, s, fields)

	var (
		pages  [][]string
		cursor []byte
	)
	for {
		pairs, next, err := s.ScanPage(ctx, usersBucket, cursor, 2)
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		var keys []string
		for _, p := range pairs {
			keys = append(keys, string(p.Key))
		}
		pages = append(pages, keys)
		if next == nil {
			break
		}
		cursor = next
	}

	want := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	if diff := cmp.Diff(want, pages); diff != "" {
		t.Errorf("pages are different -want/+got\ndiff %s", diff)
	}

	pairs, next, err := s.ScanPage(ctx, []byte("emptyv1"), nil, 10)
	if err != nil {
		t.Fatalf("scan of empty bucket failed: %v", err)
	}
	if len(pairs) != 0 || next != nil {
		t.Fatalf("expected empty scan, got %d pairs and cursor %q", len(pairs), next)
	}

	pairs, next, err = s.ScanPage(ctx, usersBucket, nil, 5)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(pairs) != 5 || next != nil {
		t.Fatalf("exact page should end the scan, got %d pairs and cursor %q", len(pairs), next)
	}
}
