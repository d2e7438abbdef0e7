package prefs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "prefs.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestStore_Defaults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if theme, err := s.Theme(ctx); err != nil || theme != ThemeAuto {
		t.Errorf("Theme() = %v, %v; want auto", theme, err)
	}
	if unit, err := s.Unit(ctx); err != nil || unit != Celsius {
		t.Errorf("Unit() = %v, %v; want celsius", unit, err)
	}
	if favs, err := s.Favorites(ctx); err != nil || len(favs) != 0 {
		t.Errorf("Favorites() = %v, %v; want empty", favs, err)
	}
	if ok, err := s.CookieConsent(ctx); err != nil || ok {
		t.Errorf("CookieConsent() = %v, %v; want false", ok, err)
	}
}

func TestStore_Theme(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SetTheme(ctx, ThemeDark); err != nil {
		t.Fatalf("SetTheme() error = %v", err)
	}
	if got, _ := s.Theme(ctx); got != ThemeDark {
		t.Errorf("Theme() = %v, want dark", got)
	}
	if err := s.SetTheme(ctx, "sepia"); !errors.Is(err, ErrInvalidTheme) {
		t.Errorf("SetTheme(sepia) error = %v, want ErrInvalidTheme", err)
	}
}

func TestStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	ctx := context.Background()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.SetUnit(ctx, Fahrenheit); err != nil {
		t.Fatalf("SetUnit() error = %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reopened.Close()
	if got, _ := reopened.Unit(ctx); got != Fahrenheit {
		t.Errorf("Unit() after reopen = %v, want fahrenheit", got)
	}
}

func TestStore_ToggleUnit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, want := range []Unit{Fahrenheit, Celsius, Fahrenheit} {
		got, err := s.ToggleUnit(ctx)
		if err != nil || got != want {
			t.Errorf("ToggleUnit() = %v, %v; want %v", got, err, want)
		}
	}
	if err := s.SetUnit(ctx, "kelvin"); !errors.Is(err, ErrInvalidUnit) {
		t.Errorf("SetUnit(kelvin) error = %v, want ErrInvalidUnit", err)
	}
}

func TestUnit_Convert(t *testing.T) {
	tests := []struct {
		unit Unit
		in   float64
		want float64
	}{
		{Celsius, 21, 21},
		{Fahrenheit, 0, 32},
		{Fahrenheit, 100, 212},
		{Fahrenheit, 21, 70}, // 69.8
		{Fahrenheit, -40, -40},
		{Fahrenheit, 22.5, 73}, // 72.5 rounds up
	}
	for _, tt := range tests {
		if got := tt.unit.Convert(tt.in); got != tt.want {
			t.Errorf("%s.Convert(%v) = %v, want %v", tt.unit, tt.in, got, tt.want)
		}
	}
	if Fahrenheit.Symbol() != "°F" || Celsius.Symbol() != "°C" {
		t.Error("Symbol() mismatch")
	}
}

func TestStore_ToggleFavorite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	added, err := s.ToggleFavorite(ctx, "Paris", "FR")
	if err != nil || !added {
		t.Fatalf("ToggleFavorite() = %v, %v; want added", added, err)
	}
	if ok, _ := s.IsFavorite(ctx, "paris"); !ok {
		t.Error("IsFavorite(paris) = false, want case-insensitive match")
	}

	added, err = s.ToggleFavorite(ctx, "PARIS", "FR")
	if err != nil || added {
		t.Errorf("second ToggleFavorite() = %v, %v; want removed", added, err)
	}
	if favs, _ := s.Favorites(ctx); len(favs) != 0 {
		t.Errorf("Favorites() = %v, want empty", favs)
	}
}

// TestStore_ToggleFavorite_EvictsOldest verifies a ninth favorite replaces the entry
// with the lowest addedAt.
func TestStore_ToggleFavorite_EvictsOldest(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	cities := []string{"Oslo", "Rome", "Lima", "Cairo", "Tokyo", "Quito", "Accra", "Perth"}
	for _, c := range cities {
		if _, err := s.ToggleFavorite(ctx, c, ""); err != nil {
			t.Fatalf("ToggleFavorite(%s) error = %v", c, err)
		}
		clock.Advance(time.Second)
	}

	if _, err := s.ToggleFavorite(ctx, "Madrid", "ES"); err != nil {
		t.Fatalf("ToggleFavorite(Madrid) error = %v", err)
	}

	favs, _ := s.Favorites(ctx)
	if len(favs) != MaxFavorites {
		t.Fatalf("len(Favorites()) = %d, want %d", len(favs), MaxFavorites)
	}
	if ok, _ := s.IsFavorite(ctx, "Oslo"); ok {
		t.Error("oldest favorite Oslo survived eviction")
	}
	if favs[len(favs)-1].City != "Madrid" || favs[0].City != "Rome" {
		t.Errorf("Favorites() = first %s last %s, want Rome ... Madrid", favs[0].City, favs[len(favs)-1].City)
	}
}

func TestStore_RemoveAndClearFavorites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _ = s.ToggleFavorite(ctx, "Oslo", "NO")
	_, _ = s.ToggleFavorite(ctx, "Rome", "IT")

	if err := s.RemoveFavorite(ctx, "oslo"); err != nil {
		t.Fatalf("RemoveFavorite() error = %v", err)
	}
	if favs, _ := s.Favorites(ctx); len(favs) != 1 || favs[0].City != "Rome" {
		t.Errorf("Favorites() = %v, want [Rome]", favs)
	}

	if err := s.ClearFavorites(ctx); err != nil {
		t.Fatalf("ClearFavorites() error = %v", err)
	}
	if favs, _ := s.Favorites(ctx); len(favs) != 0 {
		t.Errorf("Favorites() after clear = %v, want empty", favs)
	}
}

func TestStore_History(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_ = s.AddSearch(ctx, string(rune('A'+i)))
		clock.Advance(time.Second)
	}
	_ = s.AddSearch(ctx, "E")

	items, err := s.History(ctx)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(items) != MaxHistory {
		t.Fatalf("len(History()) = %d, want %d", len(items), MaxHistory)
	}
	if items[0].City != "E" || items[1].City != "L" {
		t.Errorf("History() head = %s, %s; want E, L", items[0].City, items[1].City)
	}
	seen := map[string]bool{}
	for _, it := range items {
		if seen[it.City] {
			t.Errorf("History() has duplicate %s", it.City)
		}
		seen[it.City] = true
	}

	_ = s.RemoveSearch(ctx, "E")
	if items, _ := s.History(ctx); items[0].City != "L" {
		t.Errorf("History() head after remove = %s, want L", items[0].City)
	}
	_ = s.ClearHistory(ctx)
	if items, _ := s.History(ctx); len(items) != 0 {
		t.Errorf("History() after clear = %v, want empty", items)
	}
}

func TestStore_SeenAndConsent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_ = s.MarkSeen(ctx, "humidity")
	if ok, _ := s.HasSeen(ctx, "humidity"); !ok {
		t.Error("HasSeen(humidity) = false, want true")
	}
	if ok, _ := s.HasSeen(ctx, "pressure"); ok {
		t.Error("HasSeen(pressure) = true, want false")
	}

	_ = s.AcceptCookies(ctx)
	if ok, _ := s.CookieConsent(ctx); !ok {
		t.Error("CookieConsent() = false after AcceptCookies")
	}
}
