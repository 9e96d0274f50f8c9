package detector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/dedupe"
	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/resilience"
)

const maxResponseBytes = 4 << 20

// HTTPOption configures an HTTPDetector.
type HTTPOption func(*HTTPDetector)

// WithHTTPClient sets the http.Client used for requests.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(d *HTTPDetector) {
		d.http = hc
	}
}

// WithRetryPolicy overrides the retry policy built from config.
func WithRetryPolicy(p resilience.Policy) HTTPOption {
	return func(d *HTTPDetector) {
		d.retry = p
	}
}

// HTTPDetector queries a JSON API and extracts the observation with gjson
// paths configured per source.
type HTTPDetector struct {
	signal model.SignalType
	cfg    config.DetectorConfig
	unit   model.Unit
	http   *http.Client
	retry  resilience.Policy
}

// NewHTTPDetector builds a detector for signal from its config.
func NewHTTPDetector(signal model.SignalType, cfg config.DetectorConfig, opts ...HTTPOption) (*HTTPDetector, error) {
	if cfg.URL == "" {
		return nil, eris.Errorf("detector: %s: url is required", signal)
	}
	if cfg.ValuePath == "" {
		return nil, eris.Errorf("detector: %s: value_path is required", signal)
	}
	unit := model.Unit(cfg.Unit)
	if unit == "" {
		unit = ExpectedUnit(signal)
	}
	if want := ExpectedUnit(signal); unit != want {
		return nil, eris.Wrapf(ErrUnitMismatch, "detector: %s is measured in %s, got %s", signal, want, unit)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}

	d := &HTTPDetector{
		signal: signal,
		cfg:    cfg,
		unit:   unit,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.PolicyFrom(cfg.Retry),
	}
	d.retry.OnRetry = resilience.LogRetry(string(signal))
	if cfg.TimeoutMs > 0 {
		d.http.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func (d *HTTPDetector) Signal() model.SignalType { return d.signal }

func (d *HTTPDetector) CostPerCall() float64 { return d.cfg.CostPerCall }

// Detect calls the source once, retrying transient errors. A 404 or a
// missing or null value is "no data": the observation is marked Defaulted so
// it scores with zero confidence.
func (d *HTTPDetector) Detect(ctx context.Context, c model.Candidate) (*Observation, error) {
	if (d.cfg.RequiresDomain || strings.Contains(d.cfg.URL, "{domain}")) && dedupe.NormalizeDomain(c.Domain()) == "" {
		return nil, NewFailure(d.signal, FailureNoInput, eris.New("candidate has no domain"))
	}

	target := expand(d.cfg.URL, c, url.QueryEscape)
	body, err := resilience.Retry(ctx, d.retry, func(ctx context.Context) ([]byte, error) {
		return d.fetch(ctx, target, c)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, Classify(d.signal, ctxErr)
		}
		return nil, Classify(d.signal, err)
	}
	if body == nil {
		return &Observation{Unit: d.unit, Defaulted: true, Evidence: "source has no record"}, nil
	}
	return d.parse(body)
}

func (d *HTTPDetector) fetch(ctx context.Context, target string, c model.Candidate) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, d.cfg.Method, target, nil)
	if err != nil {
		return nil, NewFailure(d.signal, FailureMalformed, eris.Wrap(err, "detector: create request"))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range d.cfg.Headers {
		req.Header.Set(k, os.ExpandEnv(expand(v, c, func(s string) string { return s })))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "detector: %s request", d.signal)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "detector: %s read body", d.signal)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resilience.IsTransientStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("detector: %s status %d", d.signal, resp.StatusCode), resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, NewFailure(d.signal, FailureNetwork,
			eris.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}
	return body, nil
}

func (d *HTTPDetector) parse(body []byte) (*Observation, error) {
	if !gjson.ValidBytes(body) {
		return nil, NewFailure(d.signal, FailureMalformed, eris.New("response is not valid JSON"))
	}
	doc := gjson.ParseBytes(body)

	obs := &Observation{Unit: d.unit, Completeness: 1}

	v := doc.Get(d.cfg.ValuePath)
	switch v.Type {
	case gjson.Null:
		obs.Defaulted = true
		obs.Completeness = 0
		obs.Evidence = d.cfg.ValuePath + " missing"
		return obs, nil
	case gjson.Number:
		obs.Value = v.Float()
	default:
		return nil, NewFailure(d.signal, FailureMalformed,
			eris.Errorf("%s is %s, want number", d.cfg.ValuePath, v.Type))
	}

	if len(d.cfg.FieldPaths) > 0 {
		present := 0
		for _, r := range gjson.GetManyBytes(body, d.cfg.FieldPaths...) {
			if r.Exists() && r.Type != gjson.Null {
				present++
			}
		}
		obs.Completeness = float64(present) / float64(len(d.cfg.FieldPaths))
	}

	if d.cfg.ObservedAtPath != "" {
		ts, err := parseTime(doc.Get(d.cfg.ObservedAtPath))
		if err != nil {
			return nil, NewFailure(d.signal, FailureMalformed, err)
		}
		obs.ObservedAt = ts
	}
	if d.cfg.DefaultedPath != "" {
		obs.Defaulted = doc.Get(d.cfg.DefaultedPath).Bool()
	}
	if d.cfg.EvidencePath != "" {
		obs.Evidence = doc.Get(d.cfg.EvidencePath).String()
	}
	if obs.Evidence == "" {
		obs.Evidence = fmt.Sprintf("%s=%v", d.cfg.ValuePath, v.Raw)
	}
	if d.cfg.DomainPath != "" {
		obs.ResolvedDomain = doc.Get(d.cfg.DomainPath).String()
	}
	return obs, nil
}

func parseTime(r gjson.Result) (time.Time, error) {
	switch r.Type {
	case gjson.Null:
		return time.Time{}, nil
	case gjson.Number:
		return time.Unix(r.Int(), 0).UTC(), nil
	case gjson.String:
		return parseTimestamp(r.Str)
	}
	return time.Time{}, eris.Errorf("unparseable timestamp %s", r.Raw)
}

func expand(tmpl string, c model.Candidate, escape func(string) string) string {
	return strings.NewReplacer(
		"{domain}", escape(dedupe.NormalizeDomain(c.Domain())),
		"{name}", escape(c.RawName),
		"{region}", escape(c.Region),
	).Replace(tmpl)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
