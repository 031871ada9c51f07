package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRemoteTimeout bounds every call to a remote tier.
const DefaultRemoteTimeout = 2 * time.Second

type RemoteConfig struct {
	// Base URL of the remote store service, e.g. http://localhost:8080
	BaseURL string
	// Namespace shared by all sessions of the same user or request context.
	Namespace string
	// Per-call timeout. Defaults to DefaultRemoteTimeout.
	Timeout time.Duration
	// HTTP client to use. http.DefaultClient is used if nil.
	Client *http.Client
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// RemoteCache is the shared tier backed by the remote store service (see pkg/remote-store).
type RemoteCache struct {
	baseURL   string
	namespace string
	timeout   time.Duration
	client    *http.Client
	log       zerolog.Logger
}

func NewRemoteCache(config RemoteConfig) *RemoteCache {
	r := &RemoteCache{
		baseURL:   strings.TrimSuffix(config.BaseURL, "/"),
		namespace: config.Namespace,
		timeout:   config.Timeout,
		client:    config.Client,
	}
	if r.namespace == "" {
		r.namespace = "default"
	}
	if r.timeout <= 0 {
		r.timeout = DefaultRemoteTimeout
	}
	if r.client == nil {
		r.client = http.DefaultClient
	}
	if config.Logger == nil {
		r.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		r.log = *config.Logger
	}
	r.log = r.log.With().Str("tier", r.Name()).Str("namespace", r.namespace).Logger()
	return r
}

func (r *RemoteCache) Name() string {
	return "remote"
}

func (r *RemoteCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	res, err := r.do(ctx, http.MethodGet, r.entryURL(key), nil)
	if err != nil {
		return Entry{}, false, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return Entry{}, false, nil
	}
	if res.StatusCode != http.StatusOK {
		return Entry{}, false, fmt.Errorf("get %s: unexpected status %d", key, res.StatusCode)
	}
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := Decode(b)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Purging corrupted entry")
		if err := r.Purge(ctx, key); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("Could not purge corrupted entry")
		}
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (r *RemoteCache) Put(ctx context.Context, entry Entry) error {
	b, err := entry.Encode()
	if err != nil {
		return err
	}
	res, err := r.do(ctx, http.MethodPut, r.entryURL(entry.Key), b)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return expectStatus(res, "put "+entry.Key, http.StatusNoContent, http.StatusOK)
}

func (r *RemoteCache) Purge(ctx context.Context, key string) error {
	res, err := r.do(ctx, http.MethodDelete, r.entryURL(key), nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return expectStatus(res, "purge "+key, http.StatusNoContent, http.StatusOK, http.StatusNotFound)
}

func (r *RemoteCache) AllKeys(ctx context.Context, prefix string, cb func(string)) error {
	res, err := r.do(ctx, http.MethodGet, r.nsURL("keys")+"?prefix="+url.QueryEscape(prefix), nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := expectStatus(res, "keys", http.StatusOK); err != nil {
		return err
	}
	var keys []string
	if err := json.NewDecoder(res.Body).Decode(&keys); err != nil {
		return fmt.Errorf("keys: %w", err)
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (r *RemoteCache) Clear(ctx context.Context) error {
	res, err := r.do(ctx, http.MethodDelete, r.nsURL("entries"), nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return expectStatus(res, "clear", http.StatusNoContent, http.StatusOK)
}

func (r *RemoteCache) do(ctx context.Context, method, uri string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		cancel()
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.log.Trace().Str("method", method).Str("url", uri).Msg("Remote request")
	res, err := r.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	res.Body = cancelOnClose{res.Body, cancel}
	return res, nil
}

func (r *RemoteCache) nsURL(resource string) string {
	return r.baseURL + "/v1/namespaces/" + url.PathEscape(r.namespace) + "/" + resource
}

func (r *RemoteCache) entryURL(key string) string {
	return r.nsURL("entry") + "?key=" + url.QueryEscape(key)
}

func expectStatus(res *http.Response, op string, codes ...int) error {
	for _, code := range codes {
		if res.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("%s: unexpected status %d", op, res.StatusCode)
}

// cancelOnClose releases the request context once the body has been consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
