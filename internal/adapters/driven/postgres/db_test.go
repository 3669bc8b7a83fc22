package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped", fmt.Errorf("insert slot: %w", &pq.Error{Code: "23505"}), true},
		{"foreign key", &pq.Error{Code: "23503"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNullTimeRoundTrip(t *testing.T) {
	if nt := NullTime(nil); nt.Valid {
		t.Error("expected invalid NullTime for nil")
	}
	if TimePtr(NullTime(nil)) != nil {
		t.Error("expected nil pointer")
	}

	now := time.Now()
	got := TimePtr(NullTime(&now))
	if got == nil || !got.Equal(now) {
		t.Errorf("expected %v, got %v", now, got)
	}
}

func TestScanJSON(t *testing.T) {
	dst := map[string]string{"kept": "yes"}
	for _, raw := range [][]byte{nil, []byte(""), []byte("null")} {
		if err := scanJSON(raw, &dst); err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
	}
	if dst["kept"] != "yes" {
		t.Error("expected destination untouched for empty input")
	}

	var info map[string]string
	if err := scanJSON([]byte(`{"name":"Jane Doe"}`), &info); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if info["name"] != "Jane Doe" {
		t.Errorf("unexpected value %v", info)
	}

	if err := scanJSON([]byte(`{`), &info); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestJSONValue(t *testing.T) {
	raw, err := jsonValue(nil)
	if err != nil || raw != nil {
		t.Errorf("expected NULL for nil, got %q, %v", raw, err)
	}
	raw, err = jsonValue([]string{"passport"})
	if err != nil || string(raw) != `["passport"]` {
		t.Errorf("unexpected encoding %q, %v", raw, err)
	}
}

func TestNonNil(t *testing.T) {
	if got := nonNil(nil); got == nil || len(got) != 0 {
		t.Errorf("expected empty slice, got %#v", got)
	}
	in := []string{"a"}
	if got := nonNil(in); len(got) != 1 || got[0] != "a" {
		t.Errorf("expected input returned, got %v", got)
	}
}

func TestEnsureID(t *testing.T) {
	var id string
	var created time.Time
	ensureID(&id, &created)
	if id == "" || created.IsZero() {
		t.Fatalf("expected id and timestamp, got %q %v", id, created)
	}

	keep := "cls-1"
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ensureID(&keep, &at)
	if keep != "cls-1" || !at.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("expected existing values kept, got %q %v", keep, at)
	}
}

func TestHashLockName(t *testing.T) {
	a := hashLockName("submission:abc")
	if a != hashLockName("submission:abc") {
		t.Error("expected stable hash")
	}
	if a == hashLockName("submission:abd") {
		t.Error("expected different names to hash differently")
	}
}

type fakeResult struct {
	n   int64
	err error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.n, r.err }

func TestRequireAffected(t *testing.T) {
	if err := requireAffected(fakeResult{n: 1}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := requireAffected(fakeResult{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	boom := errors.New("driver does not report rows")
	if err := requireAffected(fakeResult{err: boom}); !errors.Is(err, boom) {
		t.Errorf("expected driver error, got %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{URL: "postgres://localhost/permitflow", MaxOpenConns: 50}.withDefaults()
	if cfg.MaxOpenConns != 50 {
		t.Errorf("expected explicit limit kept, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 5 || cfg.ConnMaxLifetime != 5*time.Minute || cfg.ConnMaxIdleTime != time.Minute {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestConnect_RequiresURL(t *testing.T) {
	if _, err := Connect(context.Background(), Config{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
