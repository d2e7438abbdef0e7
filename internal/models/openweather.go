package models

import "strings"

// OpenWeatherCurrent is the subset of the /data/2.5/weather payload we read.
// TempMin and TempMax are pointers so an absent field can be told apart from 0°.
type OpenWeatherCurrent struct {
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Weather []OpenWeatherCondition `json:"weather"`
	Main    struct {
		Temp      float64  `json:"temp"`
		TempMin   *float64 `json:"temp_min"`
		TempMax   *float64 `json:"temp_max"`
		Humidity  int      `json:"humidity"`
		FeelsLike float64  `json:"feels_like"`
		Pressure  int      `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Visibility int `json:"visibility"`
	Timezone   int `json:"timezone"`
}

// OpenWeatherCondition is one entry of the upstream "weather" array.
type OpenWeatherCondition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// OpenWeatherForecast is the /data/2.5/forecast payload: a flat list of 3-hour samples.
type OpenWeatherForecast struct {
	City struct {
		Name     string `json:"name"`
		Country  string `json:"country"`
		Timezone int    `json:"timezone"`
	} `json:"city"`
	List []ForecastSample `json:"list"`
}

// ForecastSample is one 3-hour entry of the upstream forecast list.
type ForecastSample struct {
	Dt    int64  `json:"dt"`
	DtTxt string `json:"dt_txt"`
	Main  struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Weather []OpenWeatherCondition `json:"weather"`
	Wind    struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Pop float64 `json:"pop"`
}

// Date returns the calendar date portion of the sample's dt_txt ("2006-01-02").
func (s ForecastSample) Date() string {
	date, _, _ := strings.Cut(s.DtTxt, " ")
	return date
}

// PrimaryCondition returns the first upstream condition or a zero value.
func PrimaryCondition(conds []OpenWeatherCondition) OpenWeatherCondition {
	if len(conds) == 0 {
		return OpenWeatherCondition{}
	}
	return conds[0]
}

// GeoMatch is one entry of the /geo/1.0/direct payload.
type GeoMatch struct {
	Name    string  `json:"name"`
	Country string  `json:"country"`
	State   string  `json:"state"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}
