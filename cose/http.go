package cose

import (
	"bytes"
	"context"
	"net/http"
)

// NewRequest builds a POST request carrying a signed message.
func NewRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentType)
	return req, nil
}
