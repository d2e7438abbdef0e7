// Package weather turns upstream OpenWeather payloads into display records.
// Everything here is pure: callers pass the clock in.
package weather

import (
	"math"
	"time"

	"github.com/kjstillabower/weathernow/internal/models"
	"github.com/kjstillabower/weathernow/internal/validation"
)

// Min/max provenance labels reported by ResolveMinMax.
const (
	MinMaxSourceProvider = "provider"
	MinMaxSourceForecast = "forecast"
	MinMaxSourceFallback = "fallback"
)

// FallbackSpread is the offset applied around the current temperature when neither the
// provider nor today's forecast samples yield a range.
const FallbackSpread = 2.0

// MaxForecastDays caps the grouped daily forecast.
const MaxForecastDays = 5

const (
	dateLayout     = "2006-01-02"
	clockLayout    = "3:04 PM"
	hourLayout     = "03 PM"
	dayOfWeekShort = "Mon"
)

// RoundHalfUp rounds to the nearest integer with ties going toward +Inf
// (20.5 -> 21, -2.5 -> -2). Used for every displayed temperature.
func RoundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}

// roundTenth rounds to one decimal place with the same tie rule.
func roundTenth(x float64) float64 {
	return math.Floor(x*10+0.5) / 10
}

// FormatLocalTime renders a Unix timestamp shifted by offsetSeconds as "6:04 AM".
func FormatLocalTime(unix int64, offsetSeconds int) string {
	return time.Unix(unix+int64(offsetSeconds), 0).UTC().Format(clockLayout)
}

// CurrentLocalTime returns floor(now_utc_seconds + offset).
func CurrentLocalTime(now time.Time, offsetSeconds int) int64 {
	secs := float64(now.UnixNano())/1e9 + float64(offsetSeconds)
	return int64(math.Floor(secs))
}

// ResolveMinMax picks the displayed min/max temperature. Priority: the provider's own
// temp_min/temp_max, then the range of today's forecast samples, then current ±FallbackSpread.
// today is the UTC calendar date ("2006-01-02") matched against sample dates.
func ResolveMinMax(current models.OpenWeatherCurrent, samples []models.ForecastSample, today string) (min, max float64, source string) {
	if current.Main.TempMin != nil && current.Main.TempMax != nil {
		return RoundHalfUp(*current.Main.TempMin), RoundHalfUp(*current.Main.TempMax), MinMaxSourceProvider
	}

	found := false
	for _, s := range samples {
		if s.Date() != today {
			continue
		}
		if !found {
			min, max = s.Main.Temp, s.Main.Temp
			found = true
			continue
		}
		min = math.Min(min, s.Main.Temp)
		max = math.Max(max, s.Main.Temp)
	}
	if found {
		return RoundHalfUp(min), RoundHalfUp(max), MinMaxSourceForecast
	}

	temp := RoundHalfUp(current.Main.Temp)
	return temp - FallbackSpread, temp + FallbackSpread, MinMaxSourceFallback
}

// BuildWeatherRecord shapes a current-weather payload. forecast may be nil when the
// companion forecast call failed; it only feeds the min/max fallback chain.
func BuildWeatherRecord(current models.OpenWeatherCurrent, forecast *models.OpenWeatherForecast, now time.Time) models.WeatherRecord {
	var samples []models.ForecastSample
	if forecast != nil {
		samples = forecast.List
	}
	min, max, source := ResolveMinMax(current, samples, now.UTC().Format(dateLayout))

	return models.WeatherRecord{
		City:             validation.SanitizeCityName(current.Name),
		Country:          current.Sys.Country,
		Condition:        models.PrimaryCondition(current.Weather).Main,
		Temp:             RoundHalfUp(current.Main.Temp),
		MinTemp:          min,
		MaxTemp:          max,
		MinMaxSource:     source,
		Humidity:         current.Main.Humidity,
		WindSpeed:        roundTenth(current.Wind.Speed),
		Sunrise:          FormatLocalTime(current.Sys.Sunrise, current.Timezone),
		Sunset:           FormatLocalTime(current.Sys.Sunset, current.Timezone),
		FeelsLike:        RoundHalfUp(current.Main.FeelsLike),
		Pressure:         current.Main.Pressure,
		Visibility:       int(RoundHalfUp(float64(current.Visibility) / 1000)),
		Timezone:         current.Timezone,
		CurrentLocalTime: CurrentLocalTime(now, current.Timezone),
	}
}

// BuildForecastRecord groups the flat sample list into at most MaxForecastDays days.
func BuildForecastRecord(forecast models.OpenWeatherForecast) models.ForecastRecord {
	return models.ForecastRecord{
		City:    validation.SanitizeCityName(forecast.City.Name),
		Country: forecast.City.Country,
		Daily:   GroupForecast(forecast.List, forecast.City.Timezone),
	}
}

// GroupForecast groups samples by calendar date in first-seen order, keeping each day's
// samples in input order. The representative sample of a day is items[len/2].
func GroupForecast(samples []models.ForecastSample, offsetSeconds int) []models.DailyForecast {
	var dates []string
	byDate := make(map[string][]models.ForecastSample)
	for _, s := range samples {
		d := s.Date()
		if _, ok := byDate[d]; !ok {
			dates = append(dates, d)
		}
		byDate[d] = append(byDate[d], s)
	}

	if len(dates) > MaxForecastDays {
		dates = dates[:MaxForecastDays]
	}
	daily := make([]models.DailyForecast, 0, len(dates))
	for _, d := range dates {
		daily = append(daily, buildDay(d, byDate[d], offsetSeconds))
	}
	return daily
}

func buildDay(date string, items []models.ForecastSample, offsetSeconds int) models.DailyForecast {
	min, max, sum := items[0].Main.Temp, items[0].Main.Temp, 0.0
	hourly := make([]models.HourlyForecast, 0, len(items))
	for _, it := range items {
		min = math.Min(min, it.Main.Temp)
		max = math.Max(max, it.Main.Temp)
		sum += it.Main.Temp
		cond := models.PrimaryCondition(it.Weather)
		hourly = append(hourly, models.HourlyForecast{
			Time:          time.Unix(it.Dt+int64(offsetSeconds), 0).UTC().Format(hourLayout),
			Temp:          RoundHalfUp(it.Main.Temp),
			Condition:     cond.Main,
			Icon:          cond.Icon,
			Humidity:      it.Main.Humidity,
			WindSpeed:     roundTenth(it.Wind.Speed),
			Precipitation: int(RoundHalfUp(it.Pop * 100)),
		})
	}

	rep := items[len(items)/2]
	cond := models.PrimaryCondition(rep.Weather)
	return models.DailyForecast{
		Date:          date,
		DayOfWeek:     dayOfWeek(date),
		MinTemp:       RoundHalfUp(min),
		MaxTemp:       RoundHalfUp(max),
		AvgTemp:       RoundHalfUp(sum / float64(len(items))),
		Condition:     cond.Main,
		Icon:          cond.Icon,
		Humidity:      rep.Main.Humidity,
		WindSpeed:     roundTenth(rep.Wind.Speed),
		Precipitation: int(RoundHalfUp(rep.Pop * 100)),
		Hourly:        hourly,
	}
}

func dayOfWeek(date string) string {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return ""
	}
	return t.Format(dayOfWeekShort)
}

// BuildSuggestions maps geocoding matches to autocomplete entries.
func BuildSuggestions(matches []models.GeoMatch) []models.Suggestion {
	out := make([]models.Suggestion, 0, len(matches))
	for _, m := range matches {
		out = append(out, models.Suggestion{
			Name:    validation.SanitizeCityName(m.Name),
			Country: m.Country,
			State:   m.State,
			Lat:     m.Lat,
			Lon:     m.Lon,
		})
	}
	return out
}
