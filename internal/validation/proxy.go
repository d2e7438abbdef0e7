package validation

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// RequestType is the discriminator of the proxy envelope.
type RequestType string

const (
	TypeWeatherByCity    RequestType = "weather-by-city"
	TypeWeatherByCoords  RequestType = "weather-by-coords"
	TypeForecast         RequestType = "forecast"
	TypeForecastByCoords RequestType = "forecast-by-coords"
	TypeCitySuggestions  RequestType = "city-suggestions"
)

// ProxyRequest is a validated proxy envelope. Only the fields of its Type are set.
type ProxyRequest struct {
	Type  RequestType
	City  string
	Query string
	Lat   float64
	Lon   float64
}

// ByCoords reports whether the request addresses a location by latitude/longitude.
func (r ProxyRequest) ByCoords() bool {
	return r.Type == TypeWeatherByCoords || r.Type == TypeForecastByCoords
}

// CacheKey is stable across requests for the same resource.
func (r ProxyRequest) CacheKey() string {
	switch r.Type {
	case TypeWeatherByCoords, TypeForecastByCoords:
		return string(r.Type) + ":" + strconv.FormatFloat(r.Lat, 'f', 4, 64) + "," + strconv.FormatFloat(r.Lon, 'f', 4, 64)
	case TypeCitySuggestions:
		return string(r.Type) + ":" + strings.ToLower(r.Query)
	default:
		return string(r.Type) + ":" + strings.ToLower(r.City)
	}
}

type envelope struct {
	Type RequestType `json:"type"`
}

type cityRequest struct {
	City string `json:"city" validate:"required,min=1,max=100"`
}

type coordsRequest struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
}

type suggestionsRequest struct {
	Query string `json:"query" validate:"required,min=2,max=100"`
}

// ParseProxyRequest decodes and validates a JSON proxy envelope. Unknown types,
// wrong-typed fields and out-of-range values all yield *Error; nothing is partially accepted.
func ParseProxyRequest(body []byte) (ProxyRequest, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ProxyRequest{}, decodeError("envelope", err)
	}

	switch env.Type {
	case TypeWeatherByCity, TypeForecast:
		var req cityRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return ProxyRequest{}, decodeError(string(env.Type), err)
		}
		return cityProxyRequest(env.Type, req)
	case TypeWeatherByCoords, TypeForecastByCoords:
		var req coordsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return ProxyRequest{}, decodeError(string(env.Type), err)
		}
		return coordsProxyRequest(env.Type, req)
	case TypeCitySuggestions:
		var req suggestionsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return ProxyRequest{}, decodeError(string(env.Type), err)
		}
		return suggestionsProxyRequest(req)
	}
	return ProxyRequest{}, unknownType(env.Type)
}

// ProxyRequestFromQuery validates the GET form of the proxy endpoint
// (?type=forecast&city=Paris, ?type=weather-by-coords&lat=1&lon=2).
func ProxyRequestFromQuery(q url.Values) (ProxyRequest, error) {
	t := RequestType(q.Get("type"))
	switch t {
	case TypeWeatherByCity, TypeForecast:
		return cityProxyRequest(t, cityRequest{City: q.Get("city")})
	case TypeWeatherByCoords, TypeForecastByCoords:
		req := coordsRequest{}
		var fields []FieldError
		for _, name := range []string{"lat", "lon"} {
			raw := q.Get(name)
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				fields = append(fields, FieldError{Field: name, Rule: "type", Message: "must be a number"})
				continue
			}
			if name == "lat" {
				req.Lat = &v
			} else {
				req.Lon = &v
			}
		}
		if len(fields) > 0 {
			return ProxyRequest{}, &Error{Kind: string(t), Fields: fields}
		}
		return coordsProxyRequest(t, req)
	case TypeCitySuggestions:
		return suggestionsProxyRequest(suggestionsRequest{Query: q.Get("query")})
	}
	return ProxyRequest{}, unknownType(t)
}

func cityProxyRequest(t RequestType, req cityRequest) (ProxyRequest, error) {
	req.City = strings.TrimSpace(req.City)
	if err := check(string(t), req); err != nil {
		return ProxyRequest{}, err
	}
	return ProxyRequest{Type: t, City: req.City}, nil
}

func coordsProxyRequest(t RequestType, req coordsRequest) (ProxyRequest, error) {
	if err := check(string(t), req); err != nil {
		return ProxyRequest{}, err
	}
	return ProxyRequest{Type: t, Lat: *req.Lat, Lon: *req.Lon}, nil
}

func suggestionsProxyRequest(req suggestionsRequest) (ProxyRequest, error) {
	req.Query = strings.TrimSpace(req.Query)
	if err := check(string(TypeCitySuggestions), req); err != nil {
		return ProxyRequest{}, err
	}
	return ProxyRequest{Type: TypeCitySuggestions, Query: req.Query}, nil
}

func unknownType(t RequestType) error {
	msg := "must be one of weather-by-city, weather-by-coords, forecast, forecast-by-coords, city-suggestions"
	if t == "" {
		msg = "is required"
	}
	return &Error{Kind: "envelope", Fields: []FieldError{{Field: "type", Rule: "oneof", Message: msg}}}
}
