package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

func fast() Option { return WithDelay(time.Millisecond, time.Millisecond) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Fatal},
		{"cancelled", context.Canceled, Fatal},
		{"deadline", fmt.Errorf("probe: %w", context.DeadlineExceeded), Retryable},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, Retryable},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), Retryable},
		{"dns", &net.DNSError{Err: "no such host", Name: "agent.invalid"}, Retryable},
		{"408", &StatusError{StatusCode: http.StatusRequestTimeout}, Retryable},
		{"409", &StatusError{StatusCode: http.StatusConflict}, Retryable},
		{"502", fmt.Errorf("wrapped: %w", &StatusError{StatusCode: http.StatusBadGateway}), Retryable},
		{"400", &StatusError{StatusCode: http.StatusBadRequest}, Fatal},
		{"404", &StatusError{StatusCode: http.StatusNotFound}, Fatal},
		{"validation", interfaces.NewError(interfaces.ValidationError, interfaces.CodeInvalidHostData, "bad"), Fatal},
		{"transient", interfaces.NewError(interfaces.TransientNetworkError, "Upstream", "flaky"), Retryable},
		{"store unavailable", fmt.Errorf("get: %w", interfaces.ErrBackendUnavailable), Retryable},
		{"other", errors.New("boom"), Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var calls int
	var notified []int
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	}, fast(), WithNotify(func(_ error, attempt int, _ time.Duration) {
		notified = append(notified, attempt)
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDoStopsOnFatal(t *testing.T) {
	var calls int
	fatal := &StatusError{StatusCode: http.StatusForbidden, Body: "denied"}
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	}, fast())
	assert.Same(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestDoSurfacesLastErrorWhenExhausted(t *testing.T) {
	var calls int
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return &StatusError{StatusCode: 500 + calls}
	}, fast(), WithMaxRetries(2))

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.StatusCode)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return syscall.ECONNRESET
	}, WithDelay(time.Hour, 0))
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoWithData(t *testing.T) {
	var calls int
	v, err := DoWithData(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", io.ErrUnexpectedEOF
		}
		return "ok", nil
	}, fast())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestCheckResponse(t *testing.T) {
	ok := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}
	assert.NoError(t, CheckResponse(ok))

	bad := &http.Response{StatusCode: http.StatusBadRequest, Body: io.NopCloser(strings.NewReader(`{"code":"InvalidHostData"}`))}
	err := CheckResponse(bad)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "InvalidHostData")
}

func TestTransport(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Options: []Option{fast()}}}
	resp, err := client.Post(srv.URL, "application/cose", strings.NewReader("envelope"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "envelope", string(body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestTransportReturnsLastResponse(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("still warming up"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Options: []Option{fast(), WithMaxRetries(1)}}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
	assert.ErrorContains(t, CheckResponse(resp), "still warming up")
}
