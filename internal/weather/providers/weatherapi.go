package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/airfield-wx/internal/common"
	"github.com/i474232898/airfield-wx/internal/weather"
)

// WeatherAPIProvider adapts WeatherAPI.com's current conditions.
type WeatherAPIProvider struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewWeatherAPIProvider(cfg HTTPClientConfig, apiKey string) *WeatherAPIProvider {
	return &WeatherAPIProvider{
		name:    "weatherapi",
		apiKey:  apiKey,
		baseURL: "https://api.weatherapi.com/v1/current.json",
		httpCfg: cfg,
		circuit: newCircuit("weatherapi"),
	}
}

// WithBaseURL points the adapter at another endpoint.
func (p *WeatherAPIProvider) WithBaseURL(u string) *WeatherAPIProvider {
	p.baseURL = u
	return p
}

func (p *WeatherAPIProvider) Name() string {
	return p.name
}

func (p *WeatherAPIProvider) Fetch(ctx context.Context, site weather.Site) (weather.PartialObservation, error) {
	obs, err := p.fetch(ctx, site)
	return obs, classify(p.name, err)
}

func (p *WeatherAPIProvider) fetch(ctx context.Context, site weather.Site) (weather.PartialObservation, error) {
	if p.apiKey == "" {
		return weather.PartialObservation{}, fmt.Errorf("%w: weatherapi api key", errNotConfigured)
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("key", p.apiKey)
		// WeatherAPI uses "q" for location; it accepts "lat,lon".
		values.Set("q", fmt.Sprintf("%f,%f", site.Latitude, site.Longitude))

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
			LastUpdatedEpoch int64    `json:"last_updated_epoch"`
			TempC            *float64 `json:"temp_c"`
			DewpointC        *float64 `json:"dewpoint_c"`
			Humidity         *float64 `json:"humidity"`
			WindKph          *float64 `json:"wind_kph"`
			WindDegree       *float64 `json:"wind_degree"`
			GustKph          *float64 `json:"gust_kph"`
			PressureMb       *float64 `json:"pressure_mb"`
			VisMiles         *float64 `json:"vis_miles"`
			PrecipMm         *float64 `json:"precip_mm"`
			Cloud            *float64 `json:"cloud"`
			Condition        struct {
				Text string `json:"text"`
			} `json:"condition"`
		} `json:"current"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return weather.PartialObservation{}, fmt.Errorf("%w: %v", errDecode, err)
	}
	cur := payload.Current
	if cur.LastUpdatedEpoch == 0 {
		return weather.PartialObservation{}, fmt.Errorf("%w: missing last_updated_epoch", errNoData)
	}

	ts := time.Unix(cur.LastUpdatedEpoch, 0).UTC()
	obs := weather.PartialObservation{Provider: p.name, FetchedAt: time.Now().UTC()}

	set := func(f weather.Field, v *float64, scale float64) {
		if v != nil {
			obs.Set(f, round(*v*scale, 1), ts)
		}
	}
	set(weather.FieldTemperature, cur.TempC, 1)
	set(weather.FieldDewpoint, cur.DewpointC, 1)
	set(weather.FieldHumidity, cur.Humidity, 1)
	set(weather.FieldWindSpeed, cur.WindKph, kphToKt)
	set(weather.FieldWindDirection, cur.WindDegree, 1)
	set(weather.FieldGustSpeed, cur.GustKph, kphToKt)
	set(weather.FieldPressure, cur.PressureMb, 1)
	set(weather.FieldVisibility, cur.VisMiles, 1)
	set(weather.FieldPrecipitation, cur.PrecipMm, 1)
	if cur.Cloud != nil {
		obs.SetText(weather.FieldCloudCover, coverFromPercent(*cur.Cloud), ts)
	}
	obs.SetText(weather.FieldWeather, string(mapWeatherAPICondition(cur.Condition.Text)), ts)

	return obs, nil
}

var weatherAPIConditions = []common.Rule[weather.Condition]{
	{Keywords: []string{"thunder", "storm"}, Value: weather.ConditionStorm},
	{Keywords: []string{"snow", "sleet", "blizzard", "ice pellets"}, Value: weather.ConditionSnow},
	{Keywords: []string{"rain", "shower", "drizzle"}, Value: weather.ConditionRain},
	{Keywords: []string{"mist", "fog"}, Value: weather.ConditionMist},
	{Keywords: []string{"cloud", "overcast"}, Value: weather.ConditionCloudy},
	{Keywords: []string{"sunny", "clear"}, Value: weather.ConditionClear},
}

func mapWeatherAPICondition(text string) weather.Condition {
	return common.FirstMatch(strings.ToLower(text), weatherAPIConditions, weather.ConditionUnknown)
}
