package models

// WeatherRecord is the display-ready current weather for one location.
// Built fresh on every successful fetch and never mutated afterwards.
type WeatherRecord struct {
	City             string  `json:"city"`
	Country          string  `json:"country"`
	Condition        string  `json:"condition"`
	Temp             float64 `json:"temp"`
	MinTemp          float64 `json:"minTemp"`
	MaxTemp          float64 `json:"maxTemp"`
	MinMaxSource     string  `json:"minMaxSource,omitempty"`
	Humidity         int     `json:"humidity"`
	WindSpeed        float64 `json:"windSpeed"`
	Sunrise          string  `json:"sunrise"`
	Sunset           string  `json:"sunset"`
	FeelsLike        float64 `json:"feelsLike"`
	Pressure         int     `json:"pressure"`
	Visibility       int     `json:"visibility"`
	Timezone         int     `json:"timezone"`
	CurrentLocalTime int64   `json:"currentLocalTime"`
}

// HourlyForecast is one 3-hour sample inside a DailyForecast.
type HourlyForecast struct {
	Time          string  `json:"time"`
	Temp          float64 `json:"temp"`
	Condition     string  `json:"condition"`
	Icon          string  `json:"icon"`
	Humidity      int     `json:"humidity"`
	WindSpeed     float64 `json:"windSpeed"`
	Precipitation int     `json:"precipitation"`
}

// DailyForecast aggregates the samples of one calendar date.
type DailyForecast struct {
	Date          string           `json:"date"`
	DayOfWeek     string           `json:"dayOfWeek"`
	MinTemp       float64          `json:"minTemp"`
	MaxTemp       float64          `json:"maxTemp"`
	AvgTemp       float64          `json:"avgTemp"`
	Condition     string           `json:"condition"`
	Icon          string           `json:"icon"`
	Humidity      int              `json:"humidity"`
	WindSpeed     float64          `json:"windSpeed"`
	Precipitation int              `json:"precipitation"`
	Hourly        []HourlyForecast `json:"hourly"`
}

// ForecastRecord holds at most five days, ascending by date.
type ForecastRecord struct {
	City    string          `json:"city"`
	Country string          `json:"country"`
	Daily   []DailyForecast `json:"daily"`
}

// Suggestion is one geocoding match offered for autocomplete.
type Suggestion struct {
	Name    string  `json:"name"`
	Country string  `json:"country"`
	State   string  `json:"state,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// WeatherContext is the weather summary attached to chat and insights requests.
type WeatherContext struct {
	City      string  `json:"city"`
	Temp      float64 `json:"temp"`
	Condition string  `json:"condition"`
	Humidity  float64 `json:"humidity"`
	WindSpeed float64 `json:"windSpeed"`
}

// Insights is the outfit and activity advice produced from weather inputs.
type Insights struct {
	Outfit   string `json:"outfit"`
	Activity string `json:"activity"`
}
