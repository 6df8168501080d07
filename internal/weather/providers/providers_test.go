package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airfield-wx/internal/weather"
)

var site = weather.Site{ID: "kspb", ICAO: "KSPB", Latitude: 45.77, Longitude: -122.86, Timezone: "America/Los_Angeles"}

func testConfig() HTTPClientConfig {
	cfg := DefaultHTTPConfig(&http.Client{Timeout: 2 * time.Second}, nil)
	cfg.Backoff.InitialInterval = time.Millisecond
	cfg.Backoff.MaxInterval = 5 * time.Millisecond
	return cfg
}

func serve(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func sample(t *testing.T, obs weather.PartialObservation, f weather.Field) weather.Sample {
	t.Helper()
	s, ok := obs.Lookup(f)
	require.True(t, ok, "missing %s", f)
	return s
}

func TestMETARProvider(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `[{
		"icaoId": "KSPB", "obsTime": 1775141580, "temp": 12.2, "dewp": 8.9,
		"wdir": 230, "wspd": 9, "wgst": 17, "altim": 1012.3, "visib": "10+",
		"wxString": "-RA", "clouds": [{"cover": "SCT", "base": 2500}, {"cover": "BKN", "base": 4000}, {"cover": "OVC", "base": 9000}]
	}]`)
	p := NewMETARProvider(testConfig()).WithBaseURL(srv.URL)

	obs, err := p.Fetch(context.Background(), site)
	require.NoError(t, err)

	at := time.Unix(1775141580, 0).UTC()
	temp := sample(t, obs, weather.FieldTemperature)
	assert.Equal(t, weather.Num(12.2), temp.Value)
	assert.Equal(t, at, temp.CapturedAt)
	assert.Equal(t, weather.Num(17), sample(t, obs, weather.FieldGustSpeed).Value)
	assert.Equal(t, weather.Num(10), sample(t, obs, weather.FieldVisibility).Value)
	assert.Equal(t, weather.Num(4000), sample(t, obs, weather.FieldCeiling).Value)
	assert.Equal(t, weather.Text("OVC"), sample(t, obs, weather.FieldCloudCover).Value)
	assert.Equal(t, weather.Text(string(weather.ConditionRain)), sample(t, obs, weather.FieldWeather).Value)
}

func TestMETARVariableWindAndNoCeiling(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `[{"obsTime": 1775141580, "wdir": "VRB", "wspd": 3, "visib": 6, "clouds": [{"cover": "FEW", "base": 3000}]}]`)
	p := NewMETARProvider(testConfig()).WithBaseURL(srv.URL)

	obs, err := p.Fetch(context.Background(), site)
	require.NoError(t, err)

	_, ok := obs.Lookup(weather.FieldWindDirection)
	assert.False(t, ok)
	_, ok = obs.Lookup(weather.FieldCeiling)
	assert.False(t, ok)
	assert.Equal(t, weather.Num(3), sample(t, obs, weather.FieldGustSpeed).Value)
	assert.Equal(t, weather.Num(6), sample(t, obs, weather.FieldVisibility).Value)
}

func TestMETARRequiresICAO(t *testing.T) {
	p := NewMETARProvider(testConfig())

	_, err := p.Fetch(context.Background(), weather.Site{ID: "field"})
	require.Error(t, err)
	assert.Equal(t, weather.SeverityPermanent, weather.SeverityOf(err))
}

func TestOpenWeatherProvider(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `{
		"dt": 1775141400, "visibility": 16093,
		"main": {"temp": 14.5, "humidity": 71, "pressure": 1016},
		"wind": {"speed": 5, "deg": 250, "gust": 9},
		"clouds": {"all": 75}, "weather": [{"main": "Clouds"}]
	}`)
	p := NewOpenWeatherProvider(testConfig(), "key").WithBaseURL(srv.URL)

	obs, err := p.Fetch(context.Background(), site)
	require.NoError(t, err)

	assert.Equal(t, "openweathermap", obs.Provider)
	assert.Equal(t, weather.Num(14.5), sample(t, obs, weather.FieldTemperature).Value)
	assert.Equal(t, weather.Num(9.7), sample(t, obs, weather.FieldWindSpeed).Value)
	assert.Equal(t, weather.Num(10), sample(t, obs, weather.FieldVisibility).Value)
	assert.Equal(t, weather.Text("BKN"), sample(t, obs, weather.FieldCloudCover).Value)
	assert.Equal(t, time.Unix(1775141400, 0).UTC(), sample(t, obs, weather.FieldPressure).CapturedAt)
}

func TestOpenWeatherMissingKeyIsPermanent(t *testing.T) {
	p := NewOpenWeatherProvider(testConfig(), "")

	_, err := p.Fetch(context.Background(), site)
	assert.Equal(t, weather.SeverityPermanent, weather.SeverityOf(err))
}

func TestWeatherAPIProvider(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `{"current": {
		"last_updated_epoch": 1775141100, "temp_c": 13, "dewpoint_c": 7.5, "humidity": 66,
		"wind_kph": 18.52, "wind_degree": 240, "gust_kph": 37.04, "pressure_mb": 1015,
		"vis_miles": 9, "precip_mm": 0.2, "cloud": 50, "condition": {"text": "Patchy light drizzle"}
	}}`)
	p := NewWeatherAPIProvider(testConfig(), "key").WithBaseURL(srv.URL)

	obs, err := p.Fetch(context.Background(), site)
	require.NoError(t, err)

	assert.Equal(t, weather.Num(10), sample(t, obs, weather.FieldWindSpeed).Value)
	assert.Equal(t, weather.Num(20), sample(t, obs, weather.FieldGustSpeed).Value)
	assert.Equal(t, weather.Num(7.5), sample(t, obs, weather.FieldDewpoint).Value)
	assert.Equal(t, weather.Text("SCT"), sample(t, obs, weather.FieldCloudCover).Value)
	assert.Equal(t, weather.Text(string(weather.ConditionRain)), sample(t, obs, weather.FieldWeather).Value)
}

func TestOpenMeteoProvider(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `{"current": {
		"time": 1775141100, "temperature_2m": 11.8, "relative_humidity_2m": 80, "dew_point_2m": 8.4,
		"pressure_msl": 1014.6, "wind_speed_10m": 7.2, "wind_direction_10m": 200, "wind_gusts_10m": 15,
		"cloud_cover": 100, "precipitation": 0, "weather_code": 45, "visibility": 3218.688
	}}`)
	p := NewOpenMeteoProvider(testConfig()).WithBaseURL(srv.URL)

	obs, err := p.Fetch(context.Background(), site)
	require.NoError(t, err)

	assert.Equal(t, weather.Num(11.8), sample(t, obs, weather.FieldTemperature).Value)
	assert.Equal(t, weather.Num(2), sample(t, obs, weather.FieldVisibility).Value)
	assert.Equal(t, weather.Text("OVC"), sample(t, obs, weather.FieldCloudCover).Value)
	assert.Equal(t, weather.Text(string(weather.ConditionMist)), sample(t, obs, weather.FieldWeather).Value)
}

func TestErrorSeverity(t *testing.T) {
	cases := []struct {
		status int
		want   weather.Severity
		hits   int32
	}{
		{http.StatusServiceUnavailable, weather.SeverityTransient, 3},
		{http.StatusTooManyRequests, weather.SeverityTransient, 3},
		{http.StatusUnauthorized, weather.SeverityPermanent, 1},
		{http.StatusNotFound, weather.SeverityPermanent, 1},
	}
	for _, tc := range cases {
		srv, hits := serve(t, tc.status, `{}`)
		p := NewOpenMeteoProvider(testConfig()).WithBaseURL(srv.URL)

		_, err := p.Fetch(context.Background(), site)
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.want, weather.SeverityOf(err), "status %d", tc.status)
		assert.Equal(t, tc.hits, hits.Load(), "status %d", tc.status)
	}
}

func TestGarbagePayloadIsPermanent(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `<html>maintenance</html>`)
	p := NewOpenMeteoProvider(testConfig()).WithBaseURL(srv.URL)

	_, err := p.Fetch(context.Background(), site)
	require.Error(t, err)
	assert.Equal(t, weather.SeverityPermanent, weather.SeverityOf(err))
}

func TestNoticeFeedProvider(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `{"items": [
		{"id": "A0412/26", "text": "RWY 15/33 CLSD", "effective_start": "2026-04-01T14:00:00Z", "effective_end": "2026-04-03T02:00:00Z",
		 "schedule": {"from": "07:00", "to": "19:00"}},
		{"id": "A0413/26", "text": "OBST TWR LGT U/S", "effective_start": "2026-04-01T00:00:00Z"},
		{"id": "A0414/26", "text": "no start"}
	]}`)
	p := NewNoticeFeedProvider(testConfig(), srv.URL, "")

	notices, err := p.FetchNotices(context.Background(), site)
	require.NoError(t, err)
	require.Len(t, notices, 2)
	assert.Equal(t, "A0412/26", notices[0].ID)
	require.NotNil(t, notices[0].Schedule)
	assert.Equal(t, "07:00", notices[0].Schedule.From)
	assert.Nil(t, notices[1].EffectiveEnd)
}
