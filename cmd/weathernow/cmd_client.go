package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/weathernow/internal/models"
	"github.com/kjstillabower/weathernow/internal/prefs"
	"github.com/kjstillabower/weathernow/internal/query"
	"github.com/kjstillabower/weathernow/internal/weatherclient"
)

func (a *app) sdk() (*weatherclient.Client, error) {
	retries := a.cfg.ClientRetries
	if retries == 0 {
		retries = -1
	}
	return weatherclient.New(weatherclient.Options{
		BaseURL:         a.cfg.ClientBaseURL,
		AppOrigin:       a.cfg.ClientAppOrigin,
		Timeout:         a.cfg.ClientTimeout,
		FreshnessWindow: a.cfg.ClientFreshnessWindow,
		Retries:         retries,
		Logger:          a.logger,
	})
}

func (a *app) prefs() (*prefs.Store, error) {
	path := a.cfg.ClientPrefsPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prefs dir: %w", err)
	}
	return prefs.Open(path)
}

// print writes v as indented JSON with --json, otherwise calls text.
func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	if a.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func newWeatherCmd(a *app) *cobra.Command {
	var (
		lat, lon float64
		byCoords bool
		watch    bool
	)
	cmd := &cobra.Command{
		Use:   "weather [city]",
		Short: "Show current weather for a city or coordinates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			byCoords = cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon")
			if !byCoords && len(args) == 0 {
				return fmt.Errorf("a city or --lat/--lon is required")
			}
			sdk, err := a.sdk()
			if err != nil {
				return err
			}
			store, err := a.prefs()
			if err != nil {
				return err
			}
			defer store.Close()

			fetch := func(ctx context.Context) (models.WeatherRecord, error) {
				if byCoords {
					return sdk.WeatherByCoords(ctx, lat, lon)
				}
				return sdk.WeatherByCity(ctx, args[0])
			}
			show := func(ctx context.Context) error {
				rec, err := fetch(ctx)
				if err != nil {
					return err
				}
				unit, err := store.Unit(ctx)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), rec, func(w io.Writer) { printWeather(w, rec, unit) })
			}

			ctx := cmd.Context()
			if err := show(ctx); err != nil {
				return err
			}
			if !byCoords {
				if err := store.AddSearch(ctx, args[0]); err != nil {
					a.logger.Warn("search history not saved", zap.Error(err))
				}
			}
			if !watch {
				return nil
			}
			return a.watch(ctx, sdk.Queries(), show)
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and reprint on every auto-refresh")
	return cmd
}

// watch reprints on the auto-refresh interval until ctx is done.
func (a *app) watch(ctx context.Context, queries *query.Client, show func(context.Context) error) error {
	refresher := query.NewAutoRefresher(queries, a.cfg.ClientAutoRefresh, 0, a.logger)
	if err := refresher.Start(); err != nil {
		return err
	}
	defer refresher.Stop()

	ticker := time.NewTicker(a.cfg.ClientAutoRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := show(ctx); err != nil {
				a.logger.Warn("refresh failed", zap.Error(err))
			}
		}
	}
}

func printWeather(w io.Writer, r models.WeatherRecord, unit prefs.Unit) {
	sym := unit.Symbol()
	fmt.Fprintf(w, "%s, %s  %s\n", r.City, r.Country, r.Condition)
	fmt.Fprintf(w, "  Temp        %v%s (feels like %v%s)\n", unit.Convert(r.Temp), sym, unit.Convert(r.FeelsLike), sym)
	fmt.Fprintf(w, "  Min / Max   %v%s / %v%s\n", unit.Convert(r.MinTemp), sym, unit.Convert(r.MaxTemp), sym)
	fmt.Fprintf(w, "  Humidity    %d%%\n", r.Humidity)
	fmt.Fprintf(w, "  Wind        %v m/s\n", r.WindSpeed)
	fmt.Fprintf(w, "  Pressure    %d hPa\n", r.Pressure)
	fmt.Fprintf(w, "  Visibility  %d km\n", r.Visibility)
	fmt.Fprintf(w, "  Sunrise     %s  Sunset %s\n", r.Sunrise, r.Sunset)
}

func newForecastCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forecast <city>",
		Short: "Show the five-day forecast for a city",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk, err := a.sdk()
			if err != nil {
				return err
			}
			store, err := a.prefs()
			if err != nil {
				return err
			}
			defer store.Close()

			fc, err := sdk.Forecast(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			unit, err := store.Unit(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), fc, func(w io.Writer) { printForecast(w, fc, unit) })
		},
	}
}

func printForecast(w io.Writer, fc models.ForecastRecord, unit prefs.Unit) {
	sym := unit.Symbol()
	fmt.Fprintf(w, "%s, %s\n", fc.City, fc.Country)
	for _, d := range fc.Daily {
		fmt.Fprintf(w, "  %s %s  %-12s %v%s / %v%s  rain %d%%\n",
			d.DayOfWeek, d.Date, d.Condition, unit.Convert(d.MinTemp), sym, unit.Convert(d.MaxTemp), sym, d.Precipitation)
	}
}

func newSuggestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <prefix>",
		Short: "List matching city names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk, err := a.sdk()
			if err != nil {
				return err
			}
			matches, err := sdk.Suggestions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), matches, func(w io.Writer) {
				for _, m := range matches {
					place := m.Country
					if m.State != "" {
						place = m.State + ", " + m.Country
					}
					fmt.Fprintf(w, "%s (%s)  %.4f, %.4f\n", m.Name, place, m.Lat, m.Lon)
				}
			})
		},
	}
}

// conditionsFor loads current conditions for city as chat and insights context.
func conditionsFor(ctx context.Context, sdk *weatherclient.Client, city string) (models.WeatherContext, error) {
	rec, err := sdk.WeatherByCity(ctx, city)
	if err != nil {
		return models.WeatherContext{}, err
	}
	return models.WeatherContext{
		City:      rec.City,
		Temp:      rec.Temp,
		Condition: rec.Condition,
		Humidity:  float64(rec.Humidity),
		WindSpeed: rec.WindSpeed,
	}, nil
}

func newChatCmd(a *app) *cobra.Command {
	var city string
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Ask the weather assistant a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk, err := a.sdk()
			if err != nil {
				return err
			}
			wc, err := conditionsFor(cmd.Context(), sdk, city)
			if err != nil {
				return err
			}
			reply, err := sdk.Chat(cmd.Context(), strings.Join(args, " "), wc)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]string{"response": reply}, func(w io.Writer) {
				fmt.Fprintln(w, reply)
			})
		},
	}
	cmd.Flags().StringVar(&city, "city", "", "city whose current weather is sent as context")
	_ = cmd.MarkFlagRequired("city")
	return cmd
}

func newInsightsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "insights <city>",
		Short: "Outfit and activity advice for a city's current weather",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk, err := a.sdk()
			if err != nil {
				return err
			}
			wc, err := conditionsFor(cmd.Context(), sdk, args[0])
			if err != nil {
				return err
			}
			in, err := sdk.Insights(cmd.Context(), wc)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), in, func(w io.Writer) {
				fmt.Fprintf(w, "Outfit:   %s\nActivity: %s\n", in.Outfit, in.Activity)
			})
		},
	}
}

func newContactCmd(a *app) *cobra.Command {
	var form weatherclient.ContactForm
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Send a message to the site owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk, err := a.sdk()
			if err != nil {
				return err
			}
			if err := sdk.SendContact(cmd.Context(), form); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Message sent.")
			return nil
		},
	}
	cmd.Flags().StringVar(&form.Name, "name", "", "your name (optional)")
	cmd.Flags().StringVar(&form.Email, "email", "", "reply address")
	cmd.Flags().StringVar(&form.Message, "message", "", "message text")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
