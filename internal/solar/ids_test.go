package solar

import (
	"context"
	"errors"
	"testing"
)

func staticCodes(codes ...string) CodeLister {
	return func(Store, context.Context, string) ([]string, error) {
		return codes, nil
	}
}

func TestAllocator_Parse(t *testing.T) {
	t.Parallel()

	a := NewAllocator(AlertPrefix, staticCodes())
	tests := []struct {
		code string
		want int
		ok   bool
	}{
		{"ALT-001", 1, true},
		{"ALT-042", 42, true},
		{"ALT-999", 999, true},
		{"ALT-1000", 1000, true},
		{"ALT-7", 0, false},
		{"ALT-0007", 0, false},
		{"ALT-000", 0, false},
		{"alt-001", 0, false},
		{"ALT_001", 0, false},
		{"INC-001", 0, false},
		{"ALT-001x", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := a.Parse(tt.code)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Parse(%q) = %d, %v; want %d, %v", tt.code, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAllocator_NextIgnoresLegacyCodes(t *testing.T) {
	t.Parallel()

	a := NewAllocator(AlertPrefix, staticCodes("ALT-001", "ALT-004", "ALT-77", "ALT-0100", "ALT-X"))
	got, err := a.Next(context.Background(), nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "ALT-005" {
		t.Errorf("Next = %q, want ALT-005", got)
	}
}

func TestAllocator_NextEmpty(t *testing.T) {
	t.Parallel()

	a := NewAllocator(TicketPrefix, staticCodes())
	got, err := a.Next(context.Background(), nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "TKT-001" {
		t.Errorf("Next = %q, want TKT-001", got)
	}
}

func TestAllocator_NextListError(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	a := NewAllocator(AlertPrefix, func(Store, context.Context, string) ([]string, error) {
		return nil, boom
	})
	if _, err := a.Next(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestAllocator_InsertRetriesOnConflict(t *testing.T) {
	t.Parallel()

	stored := []string{"ALT-001"}
	a := NewAllocator(AlertPrefix, func(Store, context.Context, string) ([]string, error) {
		return stored, nil
	})
	var retries int
	a.OnRetry(func(prefix string) {
		if prefix != AlertPrefix {
			t.Errorf("retry prefix = %q", prefix)
		}
		retries++
	})

	var tried []string
	code, err := a.Insert(context.Background(), nil, func(_ context.Context, code string) error {
		tried = append(tried, code)
		if len(tried) < 3 {
			// a concurrent writer took this code first
			stored = append(stored, code)
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if code != "ALT-004" {
		t.Errorf("code = %q, want ALT-004", code)
	}
	want := []string{"ALT-002", "ALT-003", "ALT-004"}
	for i := range want {
		if tried[i] != want[i] {
			t.Errorf("attempt %d = %q, want %q", i, tried[i], want[i])
		}
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}

func TestAllocator_InsertExhausted(t *testing.T) {
	t.Parallel()

	a := NewAllocator(IncidentPrefix, staticCodes())
	attempts := 0
	_, err := a.Insert(context.Background(), nil, func(context.Context, string) error {
		attempts++
		return ErrConflict
	})
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("err = %v, want ErrAllocationExhausted", err)
	}
	if attempts != MaxAllocAttempts {
		t.Errorf("attempts = %d, want %d", attempts, MaxAllocAttempts)
	}
}

func TestAllocator_InsertOtherErrorAborts(t *testing.T) {
	t.Parallel()

	boom := errors.New("constraint violation on another column")
	a := NewAllocator(TicketPrefix, staticCodes())
	attempts := 0
	_, err := a.Insert(context.Background(), nil, func(context.Context, string) error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestNormalizeAlertCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"ALT-003", "ALT-003"},
		{"alt-3", "ALT-3"},
		{"ALT_12", "ALT-12"},
		{"alt12", "ALT-12"},
		{" ALT - 7 ", "ALT-7"},
		{"custom-ref", "CUSTOM-REF"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAlertCode(tt.in); got != tt.want {
			t.Errorf("NormalizeAlertCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
