package guard

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPolicyNormalizeDefaults(t *testing.T) {
	t.Parallel()

	got, err := Policy{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := DefaultPolicy()
	if got.MaxAttempts != want.MaxAttempts || got.BanDays != want.BanDays ||
		got.CaptchaTTL != want.CaptchaTTL || got.OperandMin != want.OperandMin ||
		got.OperandMax != want.OperandMax || got.DistractorSpread != want.DistractorSpread ||
		got.RouteTagTTL != want.RouteTagTTL {
		t.Fatalf("Normalize() = %+v, want defaults %+v", got, want)
	}
	if len(got.SpamKeywords) != len(DefaultSpamKeywords) {
		t.Fatalf("keywords = %d entries, want %d", len(got.SpamKeywords), len(DefaultSpamKeywords))
	}
}

func TestPolicyNormalizeKeepsOverrides(t *testing.T) {
	t.Parallel()

	in := Policy{
		MaxAttempts: 5,
		BanDays:     1,
		CaptchaTTL:  time.Minute,
		OperandMin:  1,
		OperandMax:  9,
	}
	got, err := in.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.MaxAttempts != 5 || got.BanDays != 1 || got.CaptchaTTL != time.Minute {
		t.Fatalf("overrides lost: %+v", got)
	}
	if got.OperandMin != 1 || got.OperandMax != 9 {
		t.Fatalf("operand range lost: [%d, %d]", got.OperandMin, got.OperandMax)
	}
}

func TestPolicyNormalizeRejectsBadRanges(t *testing.T) {
	t.Parallel()

	cases := []Policy{
		{OperandMin: -3, OperandMax: 10},
		{OperandMin: 20, OperandMax: 10},
		{DistractorSpread: 1},
	}
	for _, p := range cases {
		if _, err := p.Normalize(); err == nil {
			t.Fatalf("Normalize(%+v) should fail", p)
		}
	}
}

func TestLoadKeywordsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keywords.yaml")
	body := "keywords:\n  - 贷款\n  - \"  http  \"\n  - \"\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	got, err := LoadKeywordsFile(path)
	if err != nil {
		t.Fatalf("LoadKeywordsFile: %v", err)
	}
	want := []string{"贷款", "http"}
	if len(got) != len(want) {
		t.Fatalf("keywords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keywords = %v, want %v", got, want)
		}
	}
}

func TestLoadKeywordsFileErrors(t *testing.T) {
	t.Parallel()

	if _, err := LoadKeywordsFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(empty, []byte("keywords: []\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadKeywordsFile(empty); err == nil {
		t.Fatal("empty keyword list should fail")
	}
}
