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

const openMeteoVariables = "temperature_2m,relative_humidity_2m,dew_point_2m,pressure_msl," +
	"wind_speed_10m,wind_direction_10m,wind_gusts_10m,cloud_cover,precipitation,weather_code,visibility"

// OpenMeteoProvider adapts Open-Meteo's current conditions. No key is needed.
type OpenMeteoProvider struct {
	name    string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewOpenMeteoProvider(cfg HTTPClientConfig) *OpenMeteoProvider {
	return &OpenMeteoProvider{
		name:    "openmeteo",
		baseURL: "https://api.open-meteo.com/v1/forecast",
		httpCfg: cfg,
		circuit: newCircuit("openmeteo"),
	}
}

// WithBaseURL points the adapter at another endpoint.
func (p *OpenMeteoProvider) WithBaseURL(u string) *OpenMeteoProvider {
	p.baseURL = u
	return p
}

func (p *OpenMeteoProvider) Name() string {
	return p.name
}

func (p *OpenMeteoProvider) Fetch(ctx context.Context, site weather.Site) (weather.PartialObservation, error) {
	obs, err := p.fetch(ctx, site)
	return obs, classify(p.name, err)
}

func (p *OpenMeteoProvider) fetch(ctx context.Context, site weather.Site) (weather.PartialObservation, error) {
	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", fmt.Sprintf("%f", site.Latitude))
		values.Set("longitude", fmt.Sprintf("%f", site.Longitude))
		values.Set("current", openMeteoVariables)
		values.Set("wind_speed_unit", "kn")
		values.Set("timezone", "GMT")
		values.Set("timeformat", "unixtime")

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return weather.PartialObservation{}, err
	}
	defer resp.Body.Close()

	var payload struct {
		Current struct {
			Time          int64    `json:"time"`
			Temperature   *float64 `json:"temperature_2m"`
			Humidity      *float64 `json:"relative_humidity_2m"`
			Dewpoint      *float64 `json:"dew_point_2m"`
			PressureMSL   *float64 `json:"pressure_msl"`
			WindSpeed     *float64 `json:"wind_speed_10m"`
			WindDirection *float64 `json:"wind_direction_10m"`
			WindGusts     *float64 `json:"wind_gusts_10m"`
			CloudCover    *float64 `json:"cloud_cover"`
			Precipitation *float64 `json:"precipitation"`
			WeatherCode   *int     `json:"weather_code"`
			Visibility    *float64 `json:"visibility"` // meters
		} `json:"current"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return weather.PartialObservation{}, fmt.Errorf("%w: %v", errDecode, err)
	}
	cur := payload.Current
	if cur.Time == 0 {
		return weather.PartialObservation{}, fmt.Errorf("%w: missing current.time", errNoData)
	}

	ts := time.Unix(cur.Time, 0).UTC()
	obs := weather.PartialObservation{Provider: p.name, FetchedAt: time.Now().UTC()}

	set := func(f weather.Field, v *float64) {
		if v != nil {
			obs.Set(f, *v, ts)
		}
	}
	set(weather.FieldTemperature, cur.Temperature)
	set(weather.FieldHumidity, cur.Humidity)
	set(weather.FieldDewpoint, cur.Dewpoint)
	set(weather.FieldPressure, cur.PressureMSL)
	set(weather.FieldWindSpeed, cur.WindSpeed)
	set(weather.FieldWindDirection, cur.WindDirection)
	set(weather.FieldGustSpeed, cur.WindGusts)
	set(weather.FieldPrecipitation, cur.Precipitation)
	if cur.Visibility != nil {
		obs.Set(weather.FieldVisibility, round(*cur.Visibility/mPerMile, 2), ts)
	}
	if cur.CloudCover != nil {
		obs.SetText(weather.FieldCloudCover, coverFromPercent(*cur.CloudCover), ts)
	}
	if cur.WeatherCode != nil {
		obs.SetText(weather.FieldWeather, string(mapOpenMeteoCondition(*cur.WeatherCode)), ts)
	}

	return obs, nil
}

func mapOpenMeteoCondition(code int) weather.Condition {
	// WMO weather interpretation codes, simplified.
	switch {
	case code == 0:
		return weather.ConditionClear
	case code >= 1 && code <= 3:
		return weather.ConditionCloudy
	case code == 45 || code == 48:
		return weather.ConditionMist
	case (code >= 51 && code <= 67) || (code >= 80 && code <= 82):
		return weather.ConditionRain
	case (code >= 71 && code <= 77) || code == 85 || code == 86:
		return weather.ConditionSnow
	case code >= 95:
		return weather.ConditionStorm
	default:
		return weather.ConditionUnknown
	}
}
