package observability

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient wraps base (or a fresh client when nil) with otelhttp
// transport instrumentation. Both binaries hand this client to the chat
// provider SDKs so their calls show up under the request's trace; the
// embedding calls (embedding.EmbedText) use http.DefaultClient and are not
// instrumented by it.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	inner := base.Transport
	if inner == nil {
		inner = http.DefaultTransport
	}
	base.Transport = otelhttp.NewTransport(inner)
	return base
}
