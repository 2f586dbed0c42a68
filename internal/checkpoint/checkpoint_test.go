package checkpoint

import (
	"path/filepath"
	"testing"
	"time"
)

// storeImpls returns each Store implementation under a name, for
// running the same contract tests against both.
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestStoreUnknownAccount(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Last("nobody")
			if err != nil {
				t.Fatalf("Last: %v", err)
			}
			if ok {
				t.Error("unknown account should report ok = false")
			}
		})
	}
}

func TestStoreAdvanceAndRead(t *testing.T) {
	mark := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Advance("personal", mark); err != nil {
				t.Fatalf("Advance: %v", err)
			}

			got, ok, err := s.Last("personal")
			if err != nil {
				t.Fatalf("Last: %v", err)
			}
			if !ok {
				t.Fatal("ok = false after Advance")
			}
			if !got.Equal(mark) {
				t.Errorf("Last = %v, want %v", got, mark)
			}
		})
	}
}

func TestStoreAdvanceIsMonotonic(t *testing.T) {
	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Advance("personal", later); err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if err := s.Advance("personal", earlier); err != nil {
				t.Fatalf("Advance earlier: %v", err)
			}

			got, _, err := s.Last("personal")
			if err != nil {
				t.Fatalf("Last: %v", err)
			}
			if !got.Equal(later) {
				t.Errorf("checkpoint rewound to %v, want %v", got, later)
			}
		})
	}
}

func TestStoreAdvanceSubSecond(t *testing.T) {
	// Fractional seconds must not break the monotonic guard.
	base := time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	later := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)

	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Advance("a", later); err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if err := s.Advance("a", base); err != nil {
				t.Fatalf("Advance earlier: %v", err)
			}

			got, _, err := s.Last("a")
			if err != nil {
				t.Fatalf("Last: %v", err)
			}
			if !got.Equal(later) {
				t.Errorf("Last = %v, want %v", got, later)
			}
		})
	}
}

func TestStoreAll(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Advance("personal", t1)
			_ = s.Advance("work", t2)

			all, err := s.All()
			if err != nil {
				t.Fatalf("All: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("All() size = %d, want 2", len(all))
			}
			if !all["personal"].Equal(t1) || !all["work"].Equal(t2) {
				t.Errorf("All() = %v", all)
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	mark := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := s.Advance("personal", mark); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	s.Close()

	reopened, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.Last("personal")
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if !ok || !got.Equal(mark) {
		t.Errorf("Last after reopen = %v ok=%v, want %v", got, ok, mark)
	}
}
