package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/weathernow/internal/prefs"
)

type storeRunFunc func(cmd *cobra.Command, args []string, s *prefs.Store) error

// withStore opens the prefs store for the duration of one command.
func (a *app) withStore(fn storeRunFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := a.prefs()
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, args, s)
	}
}

func newFavoritesCmd(a *app) *cobra.Command {
	var country string
	cmd := &cobra.Command{
		Use:   "favorites",
		Short: "Manage favorite cities",
	}
	toggle := &cobra.Command{
		Use:   "toggle <city>",
		Short: "Add a city, or remove it if already saved",
		Args:  cobra.ExactArgs(1),
		RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
			added, err := s.ToggleFavorite(cmd.Context(), args[0], country)
			if err != nil {
				return err
			}
			verb := "Removed"
			if added {
				verb = "Added"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
			return nil
		}),
	}
	toggle.Flags().StringVar(&country, "country", "", "country code shown next to the city")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List favorite cities",
			Args:  cobra.NoArgs,
			RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
				favs, err := s.Favorites(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), favs, func(w io.Writer) { printFavorites(w, favs) })
			}),
		},
		toggle,
		&cobra.Command{
			Use:   "remove <city>",
			Short: "Remove a favorite city",
			Args:  cobra.ExactArgs(1),
			RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
				return s.RemoveFavorite(cmd.Context(), args[0])
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every favorite city",
			Args:  cobra.NoArgs,
			RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
				return s.ClearFavorites(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "warm",
			Short: "Prefetch current weather for every favorite",
			Args:  cobra.NoArgs,
			RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
				favs, err := s.Favorites(cmd.Context())
				if err != nil {
					return err
				}
				sdk, err := a.sdk()
				if err != nil {
					return err
				}
				cities := make([]string, 0, len(favs))
				for _, f := range favs {
					cities = append(cities, f.City)
				}
				n := sdk.WarmFavorites(cmd.Context(), cities)
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d of %d favorites\n", n, len(cities))
				return nil
			}),
		},
	)
	return cmd
}

func printFavorites(w io.Writer, favs []prefs.Favorite) {
	if len(favs) == 0 {
		fmt.Fprintln(w, "No favorites yet.")
		return
	}
	for _, f := range favs {
		name := f.City
		if f.Country != "" {
			name += ", " + f.Country
		}
		fmt.Fprintf(w, "%-30s added %s\n", name, time.UnixMilli(f.AddedAt).Format(time.DateTime))
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or edit recent searches",
		Args:  cobra.NoArgs,
		RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
			items, err := s.History(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), items, func(w io.Writer) {
				for _, it := range items {
					fmt.Fprintf(w, "%-30s %s\n", it.City, time.UnixMilli(it.Timestamp).Format(time.DateTime))
				}
			})
		}),
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "remove <city>",
			Short: "Remove one search",
			Args:  cobra.ExactArgs(1),
			RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
				return s.RemoveSearch(cmd.Context(), args[0])
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Clear search history",
			Args:  cobra.NoArgs,
			RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
				return s.ClearHistory(cmd.Context())
			}),
		},
	)
	return cmd
}

type prefsView struct {
	Theme         prefs.Theme `json:"theme"`
	Unit          prefs.Unit  `json:"unit"`
	CookieConsent bool        `json:"cookieConsent"`
}

func newPrefsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change display preferences",
		Args:  cobra.NoArgs,
		RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
			ctx := cmd.Context()
			var (
				v   prefsView
				err error
			)
			if v.Theme, err = s.Theme(ctx); err != nil {
				return err
			}
			if v.Unit, err = s.Unit(ctx); err != nil {
				return err
			}
			if v.CookieConsent, err = s.CookieConsent(ctx); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), v, func(w io.Writer) {
				fmt.Fprintf(w, "theme: %s\nunit: %s (%s)\ncookie consent: %t\n", v.Theme, v.Unit, v.Unit.Symbol(), v.CookieConsent)
			})
		}),
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:       "theme <light|dark|auto>",
			Short:     "Set the color theme",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{string(prefs.ThemeLight), string(prefs.ThemeDark), string(prefs.ThemeAuto)},
			RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
				return s.SetTheme(cmd.Context(), prefs.Theme(args[0]))
			}),
		},
		&cobra.Command{
			Use:   "unit <celsius|fahrenheit|toggle>",
			Short: "Set the temperature unit",
			Args:  cobra.ExactArgs(1),
			RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
				if args[0] != "toggle" {
					return s.SetUnit(cmd.Context(), prefs.Unit(args[0]))
				}
				u, err := s.ToggleUnit(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unit: %s\n", u)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "seen <metric>",
			Short: "Mark a metric explanation as seen",
			Args:  cobra.ExactArgs(1),
			RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
				return s.MarkSeen(cmd.Context(), args[0])
			}),
		},
		&cobra.Command{
			Use:   "accept-cookies",
			Short: "Record cookie consent",
			Args:  cobra.NoArgs,
			RunE: a.withStore(func(cmd *cobra.Command, args []string, s *prefs.Store) error {
				return s.AcceptCookies(cmd.Context())
			}),
		},
	)
	return cmd
}
