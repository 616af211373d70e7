// SPDX-License-Identifier: MIT
//
// Package catalog fetches the list of processing modes the peer offers.
// The REST endpoint is derived from the live WebSocket address.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"wearstream/internal/config"
	"wearstream/internal/log"
	"wearstream/internal/metrics"
	"wearstream/internal/protocol"
)

// ProcessorsPath is appended to the derived endpoint.
const ProcessorsPath = "processors"

// FetchError describes a failed catalog request. StatusCode is zero when the
// request never produced a response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("catalog: GET %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("catalog: GET %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPClient is the part of *http.Client the catalog uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientFactory builds the request client for one endpoint.
type ClientFactory func(endpoint string) HTTPClient

// DefaultClientFactory returns plain *http.Client values with timeout.
func DefaultClientFactory(timeout time.Duration) ClientFactory {
	return func(string) HTTPClient {
		return &http.Client{Timeout: timeout}
	}
}

// DeriveEndpoint maps a live address to its REST base: wss becomes https,
// ws becomes http, a trailing /ws path segment is removed and the result
// always ends in a slash.
//
//	wss://h/p/ws         -> https://h/p/
//	ws://localhost:8000  -> http://localhost:8000/
func DeriveEndpoint(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}

	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	default:
		return "", fmt.Errorf("invalid address %q: scheme must be ws or wss", address)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid address %q: missing host", address)
	}

	path := strings.TrimSuffix(u.Path, "/")
	path = strings.TrimSuffix(path, "/ws")
	u.Path = path + "/"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Catalog is the Processor Catalog Client.
type Catalog struct {
	newClient ClientFactory

	mu         sync.Mutex
	endpoint   string
	client     HTTPClient
	processors []protocol.ProcessorDescriptor
}

// New returns an empty catalog. A nil factory uses DefaultClientFactory
// with config.DefaultCatalogTimeout.
func New(factory ClientFactory) *Catalog {
	if factory == nil {
		factory = DefaultClientFactory(config.DefaultCatalogTimeout)
	}
	return &Catalog{newClient: factory}
}

// Processors returns a copy of the most recently fetched list.
func (c *Catalog) Processors() []protocol.ProcessorDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.processors)
}

// Fetch requests the catalog for address. On success the held list is
// replaced and returned; on failure the previous list is kept and the
// error is a *FetchError.
func (c *Catalog) Fetch(ctx context.Context, address string) ([]protocol.ProcessorDescriptor, error) {
	endpoint, err := DeriveEndpoint(address)
	if err != nil {
		metrics.RecordCatalogFetch(false)
		return nil, &FetchError{URL: address, Err: err}
	}

	client := c.clientFor(endpoint)
	target := endpoint + ProcessorsPath

	list, err := get(ctx, client, target)
	if err != nil {
		metrics.RecordCatalogFetch(false)
		log.Warnf("Catalog: %v", err)
		return nil, err
	}

	c.mu.Lock()
	c.processors = list.Processors
	c.mu.Unlock()

	metrics.RecordCatalogFetch(true)
	log.Infof("Catalog: %d processors from %s", len(list.Processors), target)
	return clone(list.Processors), nil
}

// clientFor rebuilds the client only when the endpoint changes.
func (c *Catalog) clientFor(endpoint string) HTTPClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || c.endpoint != endpoint {
		log.Debugf("Catalog: new client for %s", endpoint)
		c.client = c.newClient(endpoint)
		c.endpoint = endpoint
	}
	return c.client
}

func get(ctx context.Context, client HTTPClient, target string) (*protocol.ProcessorList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{URL: target, StatusCode: resp.StatusCode}
	}

	var list protocol.ProcessorList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &FetchError{URL: target, Err: fmt.Errorf("decode: %w", err)}
	}
	return &list, nil
}

func clone(in []protocol.ProcessorDescriptor) []protocol.ProcessorDescriptor {
	if in == nil {
		return nil
	}
	out := make([]protocol.ProcessorDescriptor, len(in))
	for i, p := range in {
		p.Dependencies = slices.Clone(p.Dependencies)
		out[i] = p
	}
	return out
}
