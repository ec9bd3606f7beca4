// Package ctgov is a client for the ClinicalTrials.gov v2 REST API.
package ctgov

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL  = "https://clinicaltrials.gov/api/v2"
	defaultTimeout  = 30 * time.Second
	defaultRetryMax = 3
	defaultPageSize = 100

	maxErrorBodySize = 4096
)

// studyFields restricts responses to the modules the mapper consumes.
const studyFields = "protocolSection.identificationModule," +
	"protocolSection.statusModule," +
	"protocolSection.descriptionModule," +
	"protocolSection.designModule," +
	"protocolSection.eligibilityModule," +
	"protocolSection.contactsLocationsModule"

// ClientOptions configures a ClinicalTrials.gov API client.
type ClientOptions struct {
	// BaseURL overrides the API base URL. Defaults to the public registry.
	BaseURL string

	// RetryMax is the number of retries for failed requests. Defaults to 3.
	RetryMax int

	// Timeout is the per-request timeout. Defaults to 30 seconds.
	Timeout time.Duration

	// RequestsPerSecond throttles outgoing requests. Zero disables throttling.
	RequestsPerSecond float64
}

// Client is a ClinicalTrials.gov v2 API client with automatic retries and
// optional request throttling.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
}

// NewClient creates a new ClinicalTrials.gov API client.
func NewClient(opts ClientOptions) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	retryMax := opts.RetryMax
	if retryMax == 0 {
		retryMax = defaultRetryMax
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.HTTPClient.Timeout = timeout
	retryClient.Logger = nil

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: retryClient,
		limiter:    limiter,
	}
}

// StudiesParams are the query parameters for a single studies page.
type StudiesParams struct {
	// Query is the search expression (query.term).
	Query string

	// PageSize is the number of studies per page. Defaults to 100.
	PageSize int

	// PageToken resumes a paged listing. Empty requests the first page.
	PageToken string
}

// StudiesPage is one page of studies.
type StudiesPage struct {
	Studies       []Study
	NextPageToken string
}

// Studies fetches a single page of studies matching the query.
func (c *Client) Studies(ctx context.Context, params StudiesParams) (*StudiesPage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	query := url.Values{}
	query.Set("format", "json")
	query.Set("fields", studyFields)
	query.Set("pageSize", strconv.Itoa(pageSize))

	if params.Query != "" {
		query.Set("query.term", params.Query)
	}

	if params.PageToken != "" {
		query.Set("pageToken", params.PageToken)
	}

	requestURL := fmt.Sprintf("%s/studies?%s", c.baseURL, query.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching studies: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

		return nil, fmt.Errorf("clinicaltrials.gov API returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed studiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding studies response: %w", err)
	}

	return &StudiesPage{
		Studies:       parsed.Studies,
		NextPageToken: parsed.NextPageToken,
	}, nil
}

// AllStudies pages through every study matching the query, up to maxStudies.
// A maxStudies of zero or less means no limit.
func (c *Client) AllStudies(ctx context.Context, query string, pageSize, maxStudies int) ([]Study, error) {
	var studies []Study

	pageToken := ""

	for {
		page, err := c.Studies(ctx, StudiesParams{
			Query:     query,
			PageSize:  pageSize,
			PageToken: pageToken,
		})
		if err != nil {
			return nil, err
		}

		studies = append(studies, page.Studies...)

		if maxStudies > 0 && len(studies) >= maxStudies {
			return studies[:maxStudies], nil
		}

		if page.NextPageToken == "" {
			return studies, nil
		}

		pageToken = page.NextPageToken
	}
}
