// Package prefs persists per-device client state in a local sqlite key-value table:
// theme, temperature unit, favorite cities, search history, seen tooltips and cookie consent.
package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kjstillabower/weathernow/internal/weather"
)

// Storage keys.
const (
	keyTheme         = "weather-theme"
	keyUnit          = "weathernow-temp-unit"
	keyFavorites     = "weathernow_favorites"
	keyHistory       = "weathernow_search_history"
	keyMetricViews   = "weathernow_metric_views"
	keyCookieConsent = "cookieConsent"
)

const (
	MaxFavorites = 8
	MaxHistory   = 10
)

var (
	ErrInvalidTheme = errors.New("theme must be light, dark or auto")
	ErrInvalidUnit  = errors.New("unit must be celsius or fahrenheit")
)

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
	ThemeAuto  Theme = "auto"
)

type Unit string

const (
	Celsius    Unit = "celsius"
	Fahrenheit Unit = "fahrenheit"
)

// Symbol returns "°C" or "°F".
func (u Unit) Symbol() string {
	if u == Fahrenheit {
		return "°F"
	}
	return "°C"
}

// Convert takes a Celsius temperature into u, rounding half-up for Fahrenheit.
func (u Unit) Convert(celsius float64) float64 {
	if u == Fahrenheit {
		return weather.RoundHalfUp(celsius*9/5 + 32)
	}
	return celsius
}

// Favorite is a saved city. AddedAt is unix milliseconds.
type Favorite struct {
	City    string `json:"city"`
	Country string `json:"country,omitempty"`
	AddedAt int64  `json:"addedAt"`
}

// HistoryItem is one past search. Timestamp is unix milliseconds.
type HistoryItem struct {
	City      string `json:"city"`
	Timestamp int64  `json:"timestamp"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is safe for concurrent use; read-modify-write updates run in a transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Open opens (creating if needed) the sqlite database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open prefs db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create prefs schema: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getJSON(ctx context.Context, q querier, key string, out any) (bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) putJSON(ctx context.Context, q querier, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// update reads the value under key into a T, applies fn and writes the result back
// within one transaction.
func update[T any](ctx context.Context, s *Store, key string, fn func(*T) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var v T
	if _, err := getJSON(ctx, tx, key, &v); err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	if err := s.putJSON(ctx, tx, key, v); err != nil {
		return err
	}
	return tx.Commit()
}

// Theme returns the saved theme, ThemeAuto when unset.
func (s *Store) Theme(ctx context.Context) (Theme, error) {
	var t Theme
	ok, err := getJSON(ctx, s.db, keyTheme, &t)
	if err != nil || !ok {
		return ThemeAuto, err
	}
	return t, nil
}

func (s *Store) SetTheme(ctx context.Context, t Theme) error {
	switch t {
	case ThemeLight, ThemeDark, ThemeAuto:
	default:
		return ErrInvalidTheme
	}
	return s.putJSON(ctx, s.db, keyTheme, t)
}

// Unit returns the saved temperature unit, Celsius when unset.
func (s *Store) Unit(ctx context.Context) (Unit, error) {
	var u Unit
	ok, err := getJSON(ctx, s.db, keyUnit, &u)
	if err != nil || !ok {
		return Celsius, err
	}
	return u, nil
}

func (s *Store) SetUnit(ctx context.Context, u Unit) error {
	if u != Celsius && u != Fahrenheit {
		return ErrInvalidUnit
	}
	return s.putJSON(ctx, s.db, keyUnit, u)
}

// ToggleUnit flips between Celsius and Fahrenheit and returns the new unit.
func (s *Store) ToggleUnit(ctx context.Context) (Unit, error) {
	var next Unit
	err := update(ctx, s, keyUnit, func(u *Unit) error {
		if *u == Fahrenheit {
			*u = Celsius
		} else {
			*u = Fahrenheit
		}
		next = *u
		return nil
	})
	return next, err
}

// Favorites returns the saved cities in insertion order.
func (s *Store) Favorites(ctx context.Context) ([]Favorite, error) {
	var favs []Favorite
	_, err := getJSON(ctx, s.db, keyFavorites, &favs)
	return favs, err
}

// IsFavorite matches city case-insensitively.
func (s *Store) IsFavorite(ctx context.Context, city string) (bool, error) {
	favs, err := s.Favorites(ctx)
	if err != nil {
		return false, err
	}
	return indexFavorite(favs, city) >= 0, nil
}

func indexFavorite(favs []Favorite, city string) int {
	for i, f := range favs {
		if strings.EqualFold(f.City, city) {
			return i
		}
	}
	return -1
}

// ToggleFavorite removes city if saved, otherwise adds it. Adding to a full list evicts
// the entry with the lowest AddedAt. It reports whether city is now a favorite.
func (s *Store) ToggleFavorite(ctx context.Context, city, country string) (bool, error) {
	var added bool
	err := update(ctx, s, keyFavorites, func(favs *[]Favorite) error {
		if i := indexFavorite(*favs, city); i >= 0 {
			*favs = append((*favs)[:i], (*favs)[i+1:]...)
			return nil
		}
		if len(*favs) >= MaxFavorites {
			oldest := 0
			for i, f := range *favs {
				if f.AddedAt < (*favs)[oldest].AddedAt {
					oldest = i
				}
			}
			*favs = append((*favs)[:oldest], (*favs)[oldest+1:]...)
		}
		*favs = append(*favs, Favorite{City: city, Country: country, AddedAt: s.now().UnixMilli()})
		added = true
		return nil
	})
	return added, err
}

func (s *Store) RemoveFavorite(ctx context.Context, city string) error {
	return update(ctx, s, keyFavorites, func(favs *[]Favorite) error {
		if i := indexFavorite(*favs, city); i >= 0 {
			*favs = append((*favs)[:i], (*favs)[i+1:]...)
		}
		return nil
	})
}

func (s *Store) ClearFavorites(ctx context.Context) error {
	return s.delete(ctx, keyFavorites)
}

// History returns past searches, newest first.
func (s *Store) History(ctx context.Context) ([]HistoryItem, error) {
	var items []HistoryItem
	_, err := getJSON(ctx, s.db, keyHistory, &items)
	return items, err
}

// AddSearch moves city to the front of the history, dropping any earlier entry for
// the same name and keeping at most MaxHistory items.
func (s *Store) AddSearch(ctx context.Context, city string) error {
	return update(ctx, s, keyHistory, func(items *[]HistoryItem) error {
		out := []HistoryItem{{City: city, Timestamp: s.now().UnixMilli()}}
		for _, it := range *items {
			if it.City != city {
				out = append(out, it)
			}
		}
		if len(out) > MaxHistory {
			out = out[:MaxHistory]
		}
		*items = out
		return nil
	})
}

func (s *Store) RemoveSearch(ctx context.Context, city string) error {
	return update(ctx, s, keyHistory, func(items *[]HistoryItem) error {
		out := (*items)[:0]
		for _, it := range *items {
			if it.City != city {
				out = append(out, it)
			}
		}
		*items = out
		return nil
	})
}

func (s *Store) ClearHistory(ctx context.Context) error {
	return s.delete(ctx, keyHistory)
}

// HasSeen reports whether the tooltip for metric was already shown.
func (s *Store) HasSeen(ctx context.Context, metric string) (bool, error) {
	var views map[string]bool
	if _, err := getJSON(ctx, s.db, keyMetricViews, &views); err != nil {
		return false, err
	}
	return views[metric], nil
}

func (s *Store) MarkSeen(ctx context.Context, metric string) error {
	return update(ctx, s, keyMetricViews, func(views *map[string]bool) error {
		if *views == nil {
			*views = make(map[string]bool)
		}
		(*views)[metric] = true
		return nil
	})
}

func (s *Store) CookieConsent(ctx context.Context) (bool, error) {
	var accepted bool
	_, err := getJSON(ctx, s.db, keyCookieConsent, &accepted)
	return accepted, err
}

func (s *Store) AcceptCookies(ctx context.Context) error {
	return s.putJSON(ctx, s.db, keyCookieConsent, true)
}
