package serper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	trawl "github.com/nevindra/trawl"
)

type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func testClient(ts *httptest.Server, apiKey string, opts ...Option) *Client {
	target, _ := url.Parse(ts.URL)
	opts = append(opts, WithHTTPClient(&http.Client{Transport: rewriteTransport{target}}))
	return New(apiKey, opts...)
}

func TestSearch_SendsLocaleAndParses(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["q"] != "rust vs go" || body["gl"] != "de" || body["hl"] != "de" {
			t.Errorf("body = %v", body)
		}
		_, _ = w.Write([]byte(`{"organic":[
			{"title":"Comparison","link":"https://example.com/cmp","snippet":"details","date":"Jan 5, 2026"}
		]}`))
	}))
	defer ts.Close()

	c := testClient(ts, "test-key", WithLocale("de", "de"))
	results, err := c.Search(context.Background(), "rust vs go")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	r := results[0]
	if r.Title != "Comparison" || r.URL != "https://example.com/cmp" || r.Date != "Jan 5, 2026" {
		t.Errorf("result = %+v", r)
	}
}

func TestSearch_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	_, err := testClient(ts, "bad-key").Search(context.Background(), "q")
	var he *trawl.ErrHTTP
	if !errors.As(err, &he) {
		t.Fatalf("got %v, want ErrHTTP", err)
	}
	if he.Status != http.StatusForbidden {
		t.Errorf("status = %d", he.Status)
	}
}
