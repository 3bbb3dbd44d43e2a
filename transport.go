package flushz

import (
	"context"

	"github.com/go-resty/resty/v2"
)

// Transport performs a single POST. It returns the response status, or an
// error when no response was received.
//
//go:generate mockgen -source=transport.go -destination=mock_transport_test.go -package=flushz
type Transport interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte) (int, error)
}

// HTTPTransport is the default Transport, backed by resty with retries
// disabled.
type HTTPTransport struct {
	client *resty.Client
}

// NewHTTPTransport wraps client. A nil client gets a fresh resty client.
func NewHTTPTransport(client *resty.Client) *HTTPTransport {
	if client == nil {
		client = resty.New()
	}
	client.SetRetryCount(0)
	return &HTTPTransport{client: client}
}

// Post implements Transport.
func (t *HTTPTransport) Post(ctx context.Context, url string, headers map[string]string, body []byte) (int, error) {
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Post(url)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode(), nil
}
