package retry

import (
	"context"
	"io"
	"net/http"
)

// Transport retries replayable requests under the retry policy. A request is
// replayable when it has no body or can recreate it through GetBody.
//
// When every attempt answered with a retryable status, the last response is
// returned to the caller unchanged.
type Transport struct {
	Base    http.RoundTripper
	Options []Option
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return t.base().RoundTrip(req)
	}

	ctx := req.Context()
	var resp *http.Response
	err := Do(ctx, func(ctx context.Context) error {
		if resp != nil {
			drain(resp)
			resp = nil
		}

		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return err
			}
			attempt.Body = body
		}

		r, err := t.base().RoundTrip(attempt)
		if err != nil {
			return err
		}
		resp = r
		if RetryableStatus(r.StatusCode) {
			return &StatusError{StatusCode: r.StatusCode}
		}
		return nil
	}, t.Options...)

	if resp != nil {
		return resp, nil
	}
	return nil, err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
