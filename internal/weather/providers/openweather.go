package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/airfield-wx/internal/weather"
)

// OpenWeatherProvider adapts OpenWeatherMap's current weather endpoint.
type OpenWeatherProvider struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewOpenWeatherProvider(cfg HTTPClientConfig, apiKey string) *OpenWeatherProvider {
	return &OpenWeatherProvider{
		name:    "openweathermap",
		apiKey:  apiKey,
		baseURL: "https://api.openweathermap.org/data/2.5/weather",
		httpCfg: cfg,
		circuit: newCircuit("openweather"),
	}
}

// WithBaseURL points the adapter at another endpoint.
func (p *OpenWeatherProvider) WithBaseURL(u string) *OpenWeatherProvider {
	p.baseURL = u
	return p
}

func (p *OpenWeatherProvider) Name() string {
	return p.name
}

func (p *OpenWeatherProvider) Fetch(ctx context.Context, site weather.Site) (weather.PartialObservation, error) {
	obs, err := p.fetch(ctx, site)
	return obs, classify(p.name, err)
}

func (p *OpenWeatherProvider) fetch(ctx context.Context, site weather.Site) (weather.PartialObservation, error) {
	if p.apiKey == "" {
		return weather.PartialObservation{}, fmt.Errorf("%w: openweather api key", errNotConfigured)
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("appid", p.apiKey)
		values.Set("units", "metric")
		values.Set("lat", fmt.Sprintf("%f", site.Latitude))
		values.Set("lon", fmt.Sprintf("%f", site.Longitude))

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return weather.PartialObservation{}, err
	}
	defer resp.Body.Close()

	var payload struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp     *float64 `json:"temp"`
			Humidity *float64 `json:"humidity"`
			Pressure *float64 `json:"pressure"`
		} `json:"main"`
		Visibility *float64 `json:"visibility"`
		Wind       struct {
			Speed *float64 `json:"speed"`
			Deg   *float64 `json:"deg"`
			Gust  *float64 `json:"gust"`
		} `json:"wind"`
		Clouds struct {
			All *float64 `json:"all"`
		} `json:"clouds"`
		Rain struct {
			OneH   float64 `json:"1h"`
			ThreeH float64 `json:"3h"`
		} `json:"rain"`
		Weather []struct {
			Main string `json:"main"`
		} `json:"weather"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return weather.PartialObservation{}, fmt.Errorf("%w: %v", errDecode, err)
	}
	if payload.Dt == 0 {
		return weather.PartialObservation{}, fmt.Errorf("%w: missing dt", errNoData)
	}

	ts := time.Unix(payload.Dt, 0).UTC()
	obs := weather.PartialObservation{Provider: p.name, FetchedAt: time.Now().UTC()}

	if v := payload.Main.Temp; v != nil {
		obs.Set(weather.FieldTemperature, *v, ts)
	}
	if v := payload.Main.Humidity; v != nil {
		obs.Set(weather.FieldHumidity, *v, ts)
	}
	if v := payload.Main.Pressure; v != nil {
		obs.Set(weather.FieldPressure, *v, ts)
	}
	if v := payload.Wind.Speed; v != nil {
		obs.Set(weather.FieldWindSpeed, round(*v*msToKt, 1), ts)
	}
	if v := payload.Wind.Deg; v != nil {
		obs.Set(weather.FieldWindDirection, *v, ts)
	}
	if v := payload.Wind.Gust; v != nil {
		obs.Set(weather.FieldGustSpeed, round(*v*msToKt, 1), ts)
	}
	if v := payload.Visibility; v != nil {
		obs.Set(weather.FieldVisibility, round(*v/mPerMile, 2), ts)
	}
	if v := payload.Clouds.All; v != nil {
		obs.SetText(weather.FieldCloudCover, coverFromPercent(*v), ts)
	}

	precip := payload.Rain.OneH
	if precip == 0 {
		precip = payload.Rain.ThreeH
	}
	obs.Set(weather.FieldPrecipitation, precip, ts)
	obs.SetText(weather.FieldWeather, string(mapOpenWeatherCondition(payload.Weather)), ts)

	return obs, nil
}

func mapOpenWeatherCondition(items []struct {
	Main string `json:"main"`
}) weather.Condition {
	if len(items) == 0 {
		return weather.ConditionUnknown
	}
	switch items[0].Main {
	case "Clear":
		return weather.ConditionClear
	case "Clouds":
		return weather.ConditionCloudy
	case "Rain", "Drizzle":
		return weather.ConditionRain
	case "Snow":
		return weather.ConditionSnow
	case "Thunderstorm":
		return weather.ConditionStorm
	case "Mist", "Fog", "Haze":
		return weather.ConditionMist
	default:
		return weather.ConditionUnknown
	}
}
