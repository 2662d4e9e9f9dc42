// Package voe talks to the regional power distributor's website: it requests
// the detailed outage schedule for an address and parses the returned grid.
package voe

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"voebot/internal/schedule"
)

const (
	DefaultEndpoint  = "https://www.voe.com.ua/disconnection/detailed"
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "voebot/1.0"
	maxResponseBytes = 4 << 20
)

type Options struct {
	Endpoint  string
	Timeout   time.Duration
	UserAgent string
	// HTTPClient overrides the instrumented default client (tests).
	HTTPClient *http.Client
}

// Fetcher requests the schedule fragment for one address.
type Fetcher struct {
	endpoint  string
	userAgent string
	http      *http.Client
}

func normalizeOptions(o Options) Options {
	if strings.TrimSpace(o.Endpoint) == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if strings.TrimSpace(o.UserAgent) == "" {
		o.UserAgent = defaultUserAgent
	}
	return o
}

func NewFetcher(opts Options) *Fetcher {
	o := normalizeOptions(opts)
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: o.Timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          16,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: o.Timeout,
			}),
		}
	}
	return &Fetcher{endpoint: strings.TrimSpace(o.Endpoint), userAgent: o.UserAgent, http: client}
}

// ajaxCommand is one element of a Drupal AJAX response.
type ajaxCommand struct {
	Command  string `json:"command"`
	Method   string `json:"method"`
	Selector string `json:"selector"`
	Data     any    `json:"data"`
}

func (f *Fetcher) requestURL() (string, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("ajax_form", "1")
	q.Set("_wrapper_format", "drupal_ajax")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func formBody(key schedule.Key) url.Values {
	v := url.Values{}
	v.Set("city_id", key.CityID)
	v.Set("street_id", key.StreetID)
	v.Set("house_id", key.HouseID)
	v.Set("form_id", "disconnection_detailed_search_form")
	v.Set("_triggering_element_name", "op")
	v.Set("_triggering_element_value", "Показати")
	v.Set("_drupal_ajax", "1")
	v.Set("ajax_page_state[theme]", "personal")
	return v
}

// Fetch returns the page-replacement markup for key.
func (f *Fetcher) Fetch(ctx context.Context, key schedule.Key) (string, error) {
	target, err := f.requestURL()
	if err != nil {
		return "", &FetchError{Op: "url", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(formBody(key).Encode()))
	if err != nil {
		return "", &FetchError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		return "", &FetchError{Op: "do", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", &FetchError{Op: "status", Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var cmds []ajaxCommand
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&cmds); err != nil {
		return "", &FetchError{Op: "decode", Status: resp.StatusCode, Err: err}
	}
	if frag, ok := pickFragment(cmds); ok {
		return frag, nil
	}
	return "", &FetchError{Op: "select", Status: resp.StatusCode, Err: fmt.Errorf("no replaceWith fragment in %d commands", len(cmds))}
}

func pickFragment(cmds []ajaxCommand) (string, bool) {
	for _, c := range cmds {
		if c.Command != "insert" || c.Method != "replaceWith" {
			continue
		}
		if s, ok := c.Data.(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}
