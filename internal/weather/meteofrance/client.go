// Package meteofrance is the Météo-France JSON web service client.
package meteofrance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"meteobot/internal/subscription"
	"meteobot/internal/weather"
	logx "meteobot/pkg/logx"
)

const (
	DefaultBaseURL     = "http://ws.meteofrance.com"
	DefaultRainBaseURL = "http://www.meteofrance.com"

	defaultTimeout = 10 * time.Second
	maxBody        = 4 << 20
)

type Config struct {
	BaseURL     string
	RainBaseURL string
	Timeout     time.Duration
	RatePerSec  int // 0 disables throttling
	// Location is used to read forecast dates and rain deadlines; nil means Local.
	Location *time.Location
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	group   singleflight.Group
}

var _ weather.Provider = (*Client)(nil)

func New(cfg Config, hc *http.Client, log logx.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.RainBaseURL = strings.TrimRight(strings.TrimSpace(cfg.RainBaseURL), "/")
	if cfg.RainBaseURL == "" {
		cfg.RainBaseURL = DefaultRainBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{
		cfg:  cfg,
		http: hc,
		log:  log.With(logx.String("comp", "weather.meteofrance")),
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c
}

// Search returns the first French match for query.
func (c *Client) Search(ctx context.Context, query string) (weather.Location, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return weather.Location{}, fmt.Errorf("%w: empty location", subscription.ErrInvalidArgument)
	}
	var env struct {
		Result struct {
			France []apiCity `json:"france"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, c.cfg.BaseURL+"/ws/getLieux/"+url.PathEscape(query)+".json", &env); err != nil {
		return weather.Location{}, err
	}
	if len(env.Result.France) == 0 {
		return weather.Location{}, fmt.Errorf("%w: %q", subscription.ErrLocationNotFound, query)
	}
	return env.Result.France[0].location(), nil
}

// Forecast returns the records of the first days days, in the order the
// service lists them.
func (c *Client) Forecast(ctx context.Context, locationID string, days int) ([]weather.Forecast, error) {
	locationID = strings.TrimSpace(locationID)
	if locationID == "" || days < 1 {
		return nil, fmt.Errorf("%w: location %q days %d", subscription.ErrInvalidArgument, locationID, days)
	}

	// Many rooms tend to share a city and a fire minute. The shared fetch is
	// detached from any one caller, so a canceled caller only abandons its wait.
	ch := c.group.DoChan(locationID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		return c.fetchDetail(fctx, locationID)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", subscription.ErrUpstreamUnavailable, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		c.log.Debug("forecast fetch shared", logx.String("location", locationID))
	}
	all := res.Val.([]weather.Forecast)

	out := make([]weather.Forecast, 0, len(all))
	for _, f := range all {
		if f.Day == days {
			break
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *Client) fetchDetail(ctx context.Context, locationID string) ([]weather.Forecast, error) {
	var env struct {
		Result struct {
			Previsions json.RawMessage `json:"previsions"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, c.cfg.BaseURL+"/ws/getDetail/france/"+url.PathEscape(locationID)+".json", &env); err != nil {
		return nil, err
	}
	out, err := decodePrevisions(env.Result.Previsions, c.cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: previsions: %v", subscription.ErrUpstreamUnavailable, err)
	}
	return out, nil
}

// RainNextHour returns the 5-minute rain slots following the deadline.
func (c *Client) RainNextHour(ctx context.Context, locationID string) (weather.RainForecast, error) {
	locationID = strings.TrimSpace(locationID)
	if locationID == "" {
		return weather.RainForecast{}, fmt.Errorf("%w: empty location", subscription.ErrInvalidArgument)
	}
	var raw apiRain
	if err := c.getJSON(ctx, c.cfg.RainBaseURL+"/mf3-rpc-portlet/rest/pluie/"+url.PathEscape(locationID), &raw); err != nil {
		return weather.RainForecast{}, err
	}
	issued, err := time.ParseInLocation("200601021504", raw.Echeance, c.cfg.Location)
	if err != nil {
		return weather.RainForecast{}, fmt.Errorf("%w: echeance %q: %v", subscription.ErrUpstreamUnavailable, raw.Echeance, err)
	}
	rf := weather.RainForecast{Issued: issued, Summary: raw.NiveauPluieText}
	for i, p := range raw.DataCadran {
		begin := issued.Add(time.Duration(i) * 5 * time.Minute)
		rf.Slots = append(rf.Slots, weather.RainSlot{
			Begin: begin,
			End:   begin.Add(5 * time.Minute),
			Level: p.NiveauPluie,
			Text:  p.NiveauPluieText,
			Color: p.Color,
		})
	}
	return rf, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate wait: %v", subscription.ErrUpstreamUnavailable, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", subscription.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("request failed", logx.String("url", rawURL), logx.Err(err))
		return fmt.Errorf("%w: %v", subscription.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		c.log.Warn("unexpected status", logx.String("url", rawURL), logx.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: %s", subscription.ErrUpstreamUnavailable, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", subscription.ErrUpstreamUnavailable, err)
	}
	c.log.Debug("request ok", logx.String("url", rawURL), logx.Duration("took", time.Since(start)))
	return nil
}

type apiCity struct {
	Indicatif    json.RawMessage `json:"indicatif"`
	Nom          string          `json:"nom"`
	CodePostal   json.RawMessage `json:"codePostal"`
	CouvertPluie bool            `json:"couvertPluie"`
	Pays         string          `json:"pays"`
	NomDept      string          `json:"nomDept"`
	NumDept      json.RawMessage `json:"numDept"`
	Region       string          `json:"region"`
	Latitude     float64         `json:"latitude"`
	Longitude    float64         `json:"longitude"`
}

func (a apiCity) location() weather.Location {
	return weather.Location{
		ID:             scalar(a.Indicatif),
		Name:           a.Nom,
		PostalCode:     scalar(a.CodePostal),
		Country:        a.Pays,
		DepartmentName: a.NomDept,
		DepartmentNum:  scalar(a.NumDept),
		Region:         a.Region,
		Latitude:       a.Latitude,
		Longitude:      a.Longitude,
		RainAvailable:  a.CouvertPluie,
	}
}

type apiPrevision struct {
	Date           int64    `json:"date"`
	Moment         string   `json:"moment"`
	Description    string   `json:"description"`
	VitesseVent    *float64 `json:"vitesseVent"`
	ForceRafales   *float64 `json:"forceRafales"`
	TemperatureMin *float64 `json:"temperatureMin"`
	TemperatureMax *float64 `json:"temperatureMax"`
	IndiceUV       *float64 `json:"indiceUV"`
	ProbaPluie     *float64 `json:"probaPluie"`
	ProbaNeige     *float64 `json:"probaNeige"`
	ProbaGel       *float64 `json:"probaGel"`
}

type apiRain struct {
	Echeance        string   `json:"echeance"`
	NiveauPluieText []string `json:"niveauPluieText"`
	DataCadran      []struct {
		NiveauPluie     int    `json:"niveauPluie"`
		NiveauPluieText string `json:"niveauPluieText"`
		Color           string `json:"color"`
	} `json:"dataCadran"`
}

// decodePrevisions walks the "<day>_<moment>" object in document order.
func decodePrevisions(raw json.RawMessage, loc *time.Location) ([]weather.Forecast, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("missing")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("want object, got %v", tok)
	}

	var out []weather.Forecast
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		var p apiPrevision
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		day, moment, err := splitKey(key)
		if err != nil {
			return nil, err
		}
		if p.Moment == "" {
			p.Moment = moment
		}
		out = append(out, weather.Forecast{
			Day:         day,
			Date:        time.UnixMilli(p.Date).In(loc),
			Moment:      p.Moment,
			Description: p.Description,
			WindSpeed:   orZero(p.VitesseVent),
			GustSpeed:   orZero(p.ForceRafales),
			TempMin:     orZero(p.TemperatureMin),
			TempMax:     orZero(p.TemperatureMax),
			UVIndex:     orZero(p.IndiceUV),
			RainProb:    orZero(p.ProbaPluie),
			SnowProb:    orZero(p.ProbaNeige),
			FrostProb:   orZero(p.ProbaGel),
		})
	}
	return out, nil
}

func splitKey(key string) (int, string, error) {
	head, moment, _ := strings.Cut(key, "_")
	day, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", fmt.Errorf("bad prevision key %q", key)
	}
	return day, moment, nil
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// scalar renders a JSON string or number without quotes.
func scalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
