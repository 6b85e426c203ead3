package solar

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxAllocAttempts bounds how many times an allocation is retried after a
// uniqueness conflict at insert time.
const MaxAllocAttempts = 5

// Code prefixes handed out by the allocators.
const (
	AlertPrefix    = "ALT"
	IncidentPrefix = "INC"
	TicketPrefix   = "TKT"
)

const codeWidth = 3

// CodeLister returns every code starting with prefix stored in st. Store
// method expressions such as Store.ListAlertCodes satisfy it.
type CodeLister func(st Store, ctx context.Context, prefix string) ([]string, error)

// Allocator hands out sequential PREFIX-NNN codes. Only codes in the strict
// format take part in numbering; legacy spellings are ignored until
// normalized.
type Allocator struct {
	prefix  string
	list    CodeLister
	re      *regexp.Regexp
	onRetry func(prefix string)
}

// NewAllocator creates an allocator for prefix whose codes are listed by list.
func NewAllocator(prefix string, list CodeLister) *Allocator {
	return &Allocator{
		prefix: prefix,
		list:   list,
		re:     regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-(\d{3,})$`),
	}
}

// OnRetry sets a callback fired each time an insert conflicts and the
// allocation is retried.
func (a *Allocator) OnRetry(fn func(prefix string)) *Allocator {
	a.onRetry = fn
	return a
}

// Prefix returns the allocator's code prefix.
func (a *Allocator) Prefix() string { return a.prefix }

// Format renders n as a strict code.
func (a *Allocator) Format(n int) string {
	return fmt.Sprintf("%s-%0*d", a.prefix, codeWidth, n)
}

// Parse returns the number of a strict code. Zero-padding must be canonical,
// so ALT-7 and ALT-0007 are both rejected while ALT-1000 is accepted.
func (a *Allocator) Parse(code string) (int, bool) {
	m := a.re.FindStringSubmatch(code)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	if a.Format(n) != code {
		return 0, false
	}
	return n, true
}

// IsStrict reports whether code is in the strict format.
func (a *Allocator) IsStrict(code string) bool {
	_, ok := a.Parse(code)
	return ok
}

// Next returns max(stored strict codes)+1. It is not reserved; callers insert
// through Insert to get conflict retries.
func (a *Allocator) Next(ctx context.Context, st Store) (string, error) {
	codes, err := a.list(st, ctx, a.prefix)
	if err != nil {
		return "", fmt.Errorf("list %s codes: %w", a.prefix, err)
	}
	highest := 0
	for _, c := range codes {
		if n, ok := a.Parse(strings.TrimSpace(c)); ok && n > highest {
			highest = n
		}
	}
	return a.Format(highest + 1), nil
}

// Insert allocates a code from st and calls insert with it, retrying with a
// fresh code whenever insert returns ErrConflict. Other errors abort
// immediately. Inside a transaction st must be the transaction's Store.
func (a *Allocator) Insert(ctx context.Context, st Store, insert func(ctx context.Context, code string) error) (string, error) {
	for attempt := 1; attempt <= MaxAllocAttempts; attempt++ {
		code, err := a.Next(ctx, st)
		if err != nil {
			return "", err
		}
		err = insert(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", err
		}
		if a.onRetry != nil {
			a.onRetry(a.prefix)
		}
	}
	return "", fmt.Errorf("%s after %d attempts: %w", a.prefix, MaxAllocAttempts, ErrAllocationExhausted)
}

// NormalizeAlertCode canonicalizes a raw alert reference. ALT, ALT_12, alt 12
// and ALT12 become ALT-N; anything else is upper-cased with whitespace removed.
func NormalizeAlertCode(raw string) string {
	cleaned := strings.Join(strings.Fields(raw), "")
	if cleaned == "" {
		return ""
	}
	if m := loosePrefixedCode.FindStringSubmatch(cleaned); m != nil {
		return AlertPrefix + "-" + m[1]
	}
	return strings.ToUpper(cleaned)
}

var (
	loosePrefixedCode = regexp.MustCompile(`(?i)^ALT[-_]?(\d+)$`)
	embeddedAlertCode = regexp.MustCompile(`(?i)\bALT[-_ ]?(\d+)\b`)
	canonicalAlert    = regexp.MustCompile(`^ALT-\d+$`)
)

// normalizer rewrites legacy codes to strict ones as records are touched.
type normalizer struct {
	store Store
	alloc *Allocator
}

// normalizeAlert gives a, whose code is not strict, a freshly allocated one
// and relinks scans that referenced the old code. a is updated in place.
func (n *normalizer) normalizeAlert(ctx context.Context, a *Alert) error {
	if a.Code != "" && n.alloc.IsStrict(a.Code) {
		return nil
	}
	old := a.Code
	_, err := n.alloc.Insert(ctx, n.store, func(ctx context.Context, code string) error {
		a.Code = code
		return n.store.UpdateAlert(ctx, a)
	})
	if err != nil {
		a.Code = old
		return fmt.Errorf("normalize alert %s: %w", a.ID, err)
	}
	if old != "" {
		if err := n.store.RelinkScans(ctx, old, a.Code); err != nil {
			return fmt.Errorf("relink scans %s -> %s: %w", old, a.Code, err)
		}
	}
	return nil
}
