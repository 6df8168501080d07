package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/airfield-wx/internal/common"
	"github.com/i474232898/airfield-wx/internal/weather"
)

// coverRank orders METAR layer amounts.
var coverRank = map[string]int{"SKC": 0, "CLR": 0, "CAVOK": 0, "FEW": 1, "SCT": 2, "BKN": 3, "OVC": 4, "OVX": 4, "VV": 4}

// METARProvider adapts the aviationweather.gov METAR JSON feed.
type METARProvider struct {
	name    string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewMETARProvider(cfg HTTPClientConfig) *METARProvider {
	return &METARProvider{
		name:    "aviationweather",
		baseURL: "https://aviationweather.gov/api/data/metar",
		httpCfg: cfg,
		circuit: newCircuit("metar"),
	}
}

// WithBaseURL points the adapter at another endpoint.
func (p *METARProvider) WithBaseURL(u string) *METARProvider {
	p.baseURL = u
	return p
}

func (p *METARProvider) Name() string {
	return p.name
}

type metarLayer struct {
	Cover string `json:"cover"`
	Base  *int   `json:"base"`
}

type metarReport struct {
	ObsTime  int64           `json:"obsTime"`
	Temp     *float64        `json:"temp"`
	Dewp     *float64        `json:"dewp"`
	Wdir     json.RawMessage `json:"wdir"`
	Wspd     *float64        `json:"wspd"`
	Wgst     *float64        `json:"wgst"`
	Altim    *float64        `json:"altim"`
	Visib    json.RawMessage `json:"visib"`
	WxString string          `json:"wxString"`
	Clouds   []metarLayer    `json:"clouds"`
}

func (p *METARProvider) Fetch(ctx context.Context, site weather.Site) (weather.PartialObservation, error) {
	obs, err := p.fetch(ctx, site)
	return obs, classify(p.name, err)
}

func (p *METARProvider) fetch(ctx context.Context, site weather.Site) (weather.PartialObservation, error) {
	if site.ICAO == "" {
		return weather.PartialObservation{}, fmt.Errorf("%w: site %s has no ICAO identifier", errNotConfigured, site.ID)
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("ids", strings.ToUpper(site.ICAO))
		values.Set("format", "json")

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return weather.PartialObservation{}, err
	}
	defer resp.Body.Close()

	var reports []metarReport
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return weather.PartialObservation{}, fmt.Errorf("%w: %v", errDecode, err)
	}
	if len(reports) == 0 || reports[0].ObsTime == 0 {
		// The station may simply not have reported yet.
		return weather.PartialObservation{}, fmt.Errorf("%w: no METAR for %s", errNoData, site.ICAO)
	}

	return p.toObservation(reports[0]), nil
}

func (p *METARProvider) toObservation(r metarReport) weather.PartialObservation {
	ts := time.Unix(r.ObsTime, 0).UTC()
	obs := weather.PartialObservation{Provider: p.name, FetchedAt: time.Now().UTC()}

	if r.Temp != nil {
		obs.Set(weather.FieldTemperature, *r.Temp, ts)
	}
	if r.Dewp != nil {
		obs.Set(weather.FieldDewpoint, *r.Dewp, ts)
	}
	if r.Wspd != nil {
		obs.Set(weather.FieldWindSpeed, *r.Wspd, ts)
		// A report without a gust group means no gusts, not unknown gusts.
		gust := *r.Wspd
		if r.Wgst != nil {
			gust = *r.Wgst
		}
		obs.Set(weather.FieldGustSpeed, gust, ts)
	}
	if dir, ok := parseWindDirection(r.Wdir); ok {
		obs.Set(weather.FieldWindDirection, dir, ts)
	}
	if r.Altim != nil {
		obs.Set(weather.FieldPressure, *r.Altim, ts)
	}
	if vis, ok := parseVisibility(r.Visib); ok {
		obs.Set(weather.FieldVisibility, vis, ts)
	}

	cover, ceiling, hasCeiling := summarizeClouds(r.Clouds)
	obs.SetText(weather.FieldCloudCover, cover, ts)
	if hasCeiling {
		obs.Set(weather.FieldCeiling, ceiling, ts)
	}
	if r.WxString != "" {
		obs.SetText(weather.FieldWeather, string(mapWxString(r.WxString)), ts)
	}
	return obs
}

// parseWindDirection accepts a number of degrees; "VRB" has no direction.
func parseWindDirection(raw json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	return 0, false
}

// parseVisibility accepts a number of statute miles or strings like "10+".
func parseVisibility(raw json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "+")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// summarizeClouds returns the most extensive layer amount and the ceiling:
// the lowest broken, overcast or obscured layer.
func summarizeClouds(layers []metarLayer) (string, float64, bool) {
	cover := ""
	best := -1
	ceiling := 0
	hasCeiling := false
	for _, l := range layers {
		c := strings.ToUpper(l.Cover)
		rank, known := coverRank[c]
		if !known {
			continue
		}
		if rank > best {
			best, cover = rank, c
		}
		if rank >= coverRank["BKN"] && l.Base != nil && (!hasCeiling || *l.Base < ceiling) {
			ceiling, hasCeiling = *l.Base, true
		}
	}
	if cover == "SKC" || cover == "CAVOK" {
		cover = "CLR"
	}
	return cover, float64(ceiling), hasCeiling
}

// Present-weather groups in precedence order.
var wxConditions = []common.Rule[weather.Condition]{
	{Keywords: []string{"TS"}, Value: weather.ConditionStorm},
	{Keywords: []string{"SN", "PL", "GS"}, Value: weather.ConditionSnow},
	{Keywords: []string{"RA", "DZ", "SH"}, Value: weather.ConditionRain},
	{Keywords: []string{"BR", "FG", "HZ"}, Value: weather.ConditionMist},
}

func mapWxString(wx string) weather.Condition {
	return common.FirstMatch(wx, wxConditions, weather.ConditionUnknown)
}
