package observability

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestNewHTTPClient_WrapsExistingTransport(t *testing.T) {
	var called bool
	base := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		called = true
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	})}

	c := NewHTTPClient(base)
	req, err := http.NewRequest(http.MethodGet, "http://example.test/v1/embeddings", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if !called {
		t.Fatal("request never reached the inner transport")
	}
}

func TestNewHTTPClient_NilBase(t *testing.T) {
	c := NewHTTPClient(nil)
	if c == nil || c.Transport == nil {
		t.Fatal("expected a client with an instrumented transport")
	}
}
