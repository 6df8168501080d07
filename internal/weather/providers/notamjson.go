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

	"github.com/i474232898/airfield-wx/internal/notam"
	"github.com/i474232898/airfield-wx/internal/weather"
)

// NoticeFeedProvider reads notices for an airfield from a JSON feed:
//
//	{"items": [{"id": "...", "text": "...", "effective_start": "RFC3339", ...}]}
type NoticeFeedProvider struct {
	name    string
	baseURL string
	apiKey  string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewNoticeFeedProvider(cfg HTTPClientConfig, baseURL, apiKey string) *NoticeFeedProvider {
	return &NoticeFeedProvider{
		name:    "notamjson",
		baseURL: baseURL,
		apiKey:  apiKey,
		httpCfg: cfg,
		circuit: newCircuit("notamjson"),
	}
}

func (p *NoticeFeedProvider) Name() string {
	return p.name
}

type noticeItem struct {
	ID             string             `json:"id"`
	Text           string             `json:"text"`
	Classification string             `json:"classification"`
	Issued         time.Time          `json:"issued"`
	EffectiveStart *time.Time         `json:"effective_start"`
	EffectiveEnd   *time.Time         `json:"effective_end"`
	Schedule       *notam.DailyWindow `json:"schedule"`
}

func (p *NoticeFeedProvider) FetchNotices(ctx context.Context, site weather.Site) ([]notam.Notice, error) {
	notices, err := p.fetch(ctx, site)
	return notices, classify(p.name, err)
}

func (p *NoticeFeedProvider) fetch(ctx context.Context, site weather.Site) ([]notam.Notice, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("%w: notice feed url", errNotConfigured)
	}
	if site.ICAO == "" {
		return nil, fmt.Errorf("%w: site %s has no ICAO identifier", errNotConfigured, site.ID)
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("location", strings.ToUpper(site.ICAO))

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Items []noticeItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", errDecode, err)
	}

	out := make([]notam.Notice, 0, len(payload.Items))
	for _, it := range payload.Items {
		// A notice whose start cannot be established is never shown.
		if it.ID == "" || it.EffectiveStart == nil {
			continue
		}
		out = append(out, notam.Notice{
			ID:             it.ID,
			Text:           it.Text,
			Classification: it.Classification,
			Issued:         it.Issued.UTC(),
			EffectiveStart: it.EffectiveStart.UTC(),
			EffectiveEnd:   it.EffectiveEnd,
			Schedule:       it.Schedule,
		})
	}
	return out, nil
}
