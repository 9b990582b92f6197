package pushgateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermitools/table-metrics-push/internal/config"
)

// gatewayStub records requests and answers with a scripted sequence of status codes, repeating the last one
type gatewayStub struct {
	mu       sync.Mutex
	statuses []int
	requests []recordedRequest
}

type recordedRequest struct {
	method      string
	path        string
	contentType string
	body        string
}

func (g *gatewayStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		g.requests = append(g.requests, recordedRequest{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		})
		status := g.statuses[len(g.statuses)-1]
		if len(g.requests) <= len(g.statuses) {
			status = g.statuses[len(g.requests)-1]
		}
		w.WriteHeader(status)
	}
}

func (g *gatewayStub) requestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// newTestClient builds a Client against the stub with fast, jitter-free backoff
func newTestClient(serverURL string, maxRetries int, method config.PushMethod) *Client {
	client := New(config.GatewayConfig{
		URL:          serverURL,
		JobName:      "mydb_accounts",
		InstanceName: "mydb_accounts",
		Method:       method,
		MaxRetries:   maxRetries,
		BaseDelay:    time.Millisecond,
	}, 5*time.Second)
	client.jitter = func() time.Duration { return 0 }
	return client
}

func TestPushFirstAttemptSucceeds(t *testing.T) {
	stub := &gatewayStub{statuses: []int{http.StatusAccepted}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestClient(server.URL, 3, config.MethodReplace)
	err := client.Push(context.Background(), "payload\n")

	require.NoError(t, err)
	require.Equal(t, 1, stub.requestCount())
	assert.Equal(t, http.MethodPut, stub.requests[0].method)
	assert.Equal(t, "/metrics/job/mydb_accounts/instance/mydb_accounts", stub.requests[0].path)
	assert.Equal(t, "text/plain; version=0.0.4", stub.requests[0].contentType)
	assert.Equal(t, "payload\n", stub.requests[0].body)
}

func TestPushSucceedsOnLastAllowedAttempt(t *testing.T) {
	// Non-202 for the first maxRetries-1 attempts, 202 on the last
	stub := &gatewayStub{statuses: []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusAccepted}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestClient(server.URL, 3, config.MethodReplace)
	err := client.Push(context.Background(), "payload\n")

	assert.NoError(t, err)
	assert.Equal(t, 3, stub.requestCount())
}

func TestPushExhaustsRetries(t *testing.T) {
	stub := &gatewayStub{statuses: []int{http.StatusInternalServerError}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestClient(server.URL, 4, config.MethodReplace)
	err := client.Push(context.Background(), "payload\n")

	require.Error(t, err)
	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, 4, deliveryErr.Attempts)
	assert.Equal(t, http.StatusInternalServerError, deliveryErr.LastStatus)
	assert.Equal(t, 4, stub.requestCount())
}

func TestPushNon202IsFailure(t *testing.T) {
	// PushGateway signals success with 202 only; even 200 counts as a failed attempt
	stub := &gatewayStub{statuses: []int{http.StatusOK}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestClient(server.URL, 2, config.MethodReplace)
	err := client.Push(context.Background(), "payload\n")

	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, http.StatusOK, deliveryErr.LastStatus)
}

func TestPushMergeMethodUsesPost(t *testing.T) {
	stub := &gatewayStub{statuses: []int{http.StatusAccepted}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestClient(server.URL, 1, config.MethodMerge)
	require.NoError(t, client.Push(context.Background(), "payload\n"))
	assert.Equal(t, http.MethodPost, stub.requests[0].method)
}

func TestPushCancelledDuringBackoff(t *testing.T) {
	stub := &gatewayStub{statuses: []int{http.StatusInternalServerError}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestClient(server.URL, 5, config.MethodReplace)
	client.baseDelay = 10 * time.Second // long enough that cancellation hits the sleep

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := client.Push(ctx, "payload\n")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stub.requestCount())
}

func TestPushURLWithoutInstance(t *testing.T) {
	client := New(config.GatewayConfig{
		URL:        "http://gateway:9091",
		JobName:    "mydb_accounts",
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
	}, time.Second)
	assert.Equal(t, "http://gateway:9091/metrics/job/mydb_accounts", client.pushURL)
}

func TestBackoffGrowsMonotonically(t *testing.T) {
	client := newTestClient("http://gateway:9091", 5, config.MethodReplace)
	client.baseDelay = 100 * time.Millisecond

	var previous time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		delay := client.backoff(attempt)
		assert.GreaterOrEqual(t, delay, previous, "backoff must be non-decreasing")
		previous = delay
	}
}

func TestBackoffIsCapped(t *testing.T) {
	client := newTestClient("http://gateway:9091", 5, config.MethodReplace)
	client.baseDelay = 10 * time.Second
	assert.Equal(t, maxBackoff, client.backoff(10))
}

func TestDeleteBestEffort(t *testing.T) {
	stub := &gatewayStub{statuses: []int{http.StatusAccepted}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestClient(server.URL, 1, config.MethodReplace)
	client.Delete(context.Background())

	require.Equal(t, 1, stub.requestCount())
	assert.Equal(t, http.MethodDelete, stub.requests[0].method)

	// A refusing gateway must not panic or error the run
	refusing := &gatewayStub{statuses: []int{http.StatusInternalServerError}}
	refusingServer := httptest.NewServer(refusing.handler())
	defer refusingServer.Close()
	newTestClient(refusingServer.URL, 1, config.MethodReplace).Delete(context.Background())
}

func TestPushOnce(t *testing.T) {
	stub := &gatewayStub{statuses: []int{http.StatusInternalServerError}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestClient(server.URL, 5, config.MethodReplace)
	err := client.PushOnce(context.Background(), "errors\n")

	assert.Error(t, err)
	assert.Equal(t, 1, stub.requestCount(), "PushOnce must never retry")
}
