// Package fhirclient is the query contract against the upstream clinical
// data source. It fetches microbiology reports, active medication orders,
// and patient/encounter context over FHIR R4 search and read interactions.
package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/haiwatch/haiwatch/internal/platform/telemetry"
)

// ErrAbsent marks a resource the upstream system does not have (HTTP 404).
// Callers use errors.Is to distinguish absence from a real failure.
var ErrAbsent = errors.New("resource absent")

// Client is the surveillance pipeline's view of the clinical data source.
type Client interface {
	FetchCultures(ctx context.Context, since time.Time) ([]RawDiagnosticReport, error)
	FetchActiveMedications(ctx context.Context, patientID string) ([]RawMedicationRequest, error)
	FetchPatient(ctx context.Context, patientID string) (*RawPatient, error)
	FetchAdmissionTime(ctx context.Context, patientID, encounterID string) (time.Time, error)
}

// maxSearchPages bounds pagination so a misbehaving server cannot hold a
// cycle open indefinitely.
const maxSearchPages = 20

// Options configures an HTTPClient. Tokens selects the auth variant:
// StaticToken for direct bearer/anonymous access, or a
// BackendServicesTokenSource for the SMART client-credentials flow.
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	RateLimitRPS float64
	Tokens       TokenSource
	Metrics      *telemetry.Metrics
}

// HTTPClient talks FHIR R4 over HTTP. All requests pass through a shared
// rate limiter and carry the configured timeout.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	metrics *telemetry.Metrics
}

// NewHTTPClient builds a client from Options. A zero RateLimitRPS disables
// throttling; a zero Timeout defaults to 30s.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("fhirclient: base URL is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		limiter: limiter,
		metrics: opts.Metrics,
	}, nil
}

// count records one outbound request against the resource's counter.
func (c *HTTPClient) count(path, result string) {
	if c.metrics == nil {
		return
	}
	resource := path
	if i := strings.IndexByte(resource, '/'); i >= 0 {
		resource = resource[:i]
	}
	c.metrics.FHIRRequests.WithLabelValues(resource, result).Inc()
}

// get performs one FHIR interaction. absoluteURL overrides path+params when
// following pagination links.
func (c *HTTPClient) get(ctx context.Context, path string, params url.Values, absoluteURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	target := absoluteURL
	if target == "" {
		target = c.baseURL + "/" + strings.TrimLeft(path, "/")
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.count(path, "error")
		return nil, fmt.Errorf("fhir request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		c.count(path, "absent")
		return nil, fmt.Errorf("fhir %s: %w", path, ErrAbsent)
	}
	if resp.StatusCode >= 400 {
		c.count(path, "error")
		return nil, fmt.Errorf("fhir %s: unexpected status %d", path, resp.StatusCode)
	}
	c.count(path, "ok")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	return body, nil
}

// search runs a FHIR search and follows next links, returning every entry
// resource across pages.
func (c *HTTPClient) search(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	var resources []json.RawMessage
	next := ""

	for page := 0; page < maxSearchPages; page++ {
		body, err := c.get(ctx, path, params, next)
		if err != nil {
			return nil, err
		}

		var bundle RawBundle
		if err := json.Unmarshal(body, &bundle); err != nil {
			return nil, fmt.Errorf("decode bundle %s: %w", path, err)
		}
		if bundle.ResourceType != "Bundle" {
			return nil, fmt.Errorf("search %s: expected Bundle, got %q", path, bundle.ResourceType)
		}
		for _, entry := range bundle.Entry {
			if len(entry.Resource) > 0 {
				resources = append(resources, entry.Resource)
			}
		}

		next = bundle.NextLink()
		if next == "" {
			return resources, nil
		}
	}
	return nil, fmt.Errorf("search %s: pagination exceeded %d pages", path, maxSearchPages)
}

// FetchCultures returns microbiology DiagnosticReports issued since the
// given time.
func (c *HTTPClient) FetchCultures(ctx context.Context, since time.Time) ([]RawDiagnosticReport, error) {
	params := url.Values{}
	params.Set("category", "microbiology")
	params.Set("date", "ge"+since.UTC().Format(time.RFC3339))
	params.Set("_count", "100")

	entries, err := c.search(ctx, "DiagnosticReport", params)
	if err != nil {
		return nil, err
	}

	reports := make([]RawDiagnosticReport, 0, len(entries))
	for _, raw := range entries {
		var report RawDiagnosticReport
		if err := json.Unmarshal(raw, &report); err != nil {
			return nil, fmt.Errorf("decode DiagnosticReport: %w", err)
		}
		if report.ResourceType != "DiagnosticReport" {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// FetchActiveMedications returns the patient's active MedicationRequests.
func (c *HTTPClient) FetchActiveMedications(ctx context.Context, patientID string) ([]RawMedicationRequest, error) {
	params := url.Values{}
	params.Set("patient", patientID)
	params.Set("status", "active")
	params.Set("_count", "100")

	entries, err := c.search(ctx, "MedicationRequest", params)
	if err != nil {
		return nil, err
	}

	meds := make([]RawMedicationRequest, 0, len(entries))
	for _, raw := range entries {
		var med RawMedicationRequest
		if err := json.Unmarshal(raw, &med); err != nil {
			return nil, fmt.Errorf("decode MedicationRequest: %w", err)
		}
		if med.ResourceType != "MedicationRequest" {
			continue
		}
		meds = append(meds, med)
	}
	return meds, nil
}

// FetchPatient reads one Patient. Returns ErrAbsent when the upstream
// system has no such patient.
func (c *HTTPClient) FetchPatient(ctx context.Context, patientID string) (*RawPatient, error) {
	body, err := c.get(ctx, "Patient/"+patientID, nil, "")
	if err != nil {
		return nil, err
	}
	var patient RawPatient
	if err := json.Unmarshal(body, &patient); err != nil {
		return nil, fmt.Errorf("decode Patient %s: %w", patientID, err)
	}
	return &patient, nil
}

// FetchAdmissionTime reads the encounter's period start. Returns ErrAbsent
// when the encounter is missing or carries no start time.
func (c *HTTPClient) FetchAdmissionTime(ctx context.Context, patientID, encounterID string) (time.Time, error) {
	body, err := c.get(ctx, "Encounter/"+encounterID, nil, "")
	if err != nil {
		return time.Time{}, err
	}
	var enc RawEncounter
	if err := json.Unmarshal(body, &enc); err != nil {
		return time.Time{}, fmt.Errorf("decode Encounter %s: %w", encounterID, err)
	}
	if enc.Subject != nil && enc.Subject.Reference != "" &&
		enc.Subject.Reference != "Patient/"+patientID {
		return time.Time{}, fmt.Errorf("encounter %s belongs to %s, not Patient/%s",
			encounterID, enc.Subject.Reference, patientID)
	}
	if enc.Period == nil || enc.Period.Start == "" {
		return time.Time{}, fmt.Errorf("encounter %s has no admission time: %w", encounterID, ErrAbsent)
	}
	start, err := time.Parse(time.RFC3339, enc.Period.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("encounter %s period start: %w", encounterID, err)
	}
	return start, nil
}
