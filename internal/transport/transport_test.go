package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TimurManjosov/appconfig/internal/apperr"
	"github.com/TimurManjosov/appconfig/internal/testutil"
)

func TestBuildEndpoints(t *testing.T) {
	tests := []struct {
		name string
		opts EndpointOptions
		want Endpoints
	}{
		{
			name: "regional",
			opts: EndpointOptions{Region: "us-south", GUID: "g1", CollectionID: "c1", EnvironmentID: "dev"},
			want: Endpoints{
				Base:      "https://us-south.apprapp.cloud.ibm.com",
				IAM:       "https://iam.cloud.ibm.com",
				Config:    "https://us-south.apprapp.cloud.ibm.com/apprapp/feature/v1/instances/g1/collections/c1/config?environment_id=dev",
				Metering:  "https://us-south.apprapp.cloud.ibm.com/apprapp/events/v1/instances/g1/usage",
				WebSocket: "wss://us-south.apprapp.cloud.ibm.com/apprapp/wsfeature?collection_id=c1&environment_id=dev&instance_id=g1",
			},
		},
		{
			name: "regional private",
			opts: EndpointOptions{Region: "eu-gb", GUID: "g1", CollectionID: "c1", EnvironmentID: "dev", UsePrivateEndpoint: true},
			want: Endpoints{
				Base:      "https://private.eu-gb.apprapp.cloud.ibm.com",
				IAM:       "https://private.iam.cloud.ibm.com",
				Config:    "https://private.eu-gb.apprapp.cloud.ibm.com/apprapp/feature/v1/instances/g1/collections/c1/config?environment_id=dev",
				Metering:  "https://private.eu-gb.apprapp.cloud.ibm.com/apprapp/events/v1/instances/g1/usage",
				WebSocket: "wss://private.eu-gb.apprapp.cloud.ibm.com/apprapp/wsfeature?collection_id=c1&environment_id=dev&instance_id=g1",
			},
		},
		{
			name: "override trims slash",
			opts: EndpointOptions{GUID: "g1", CollectionID: "c1", EnvironmentID: "dev", OverrideServiceURL: "https://stage.example.com/"},
			want: Endpoints{
				Base:      "https://stage.example.com",
				IAM:       "https://iam.test.cloud.ibm.com",
				Config:    "https://stage.example.com/apprapp/feature/v1/instances/g1/collections/c1/config?environment_id=dev",
				Metering:  "https://stage.example.com/apprapp/events/v1/instances/g1/usage",
				WebSocket: "wss://stage.example.com/apprapp/wsfeature?collection_id=c1&environment_id=dev&instance_id=g1",
			},
		},
		{
			name: "override http private",
			opts: EndpointOptions{GUID: "g1", CollectionID: "c1", EnvironmentID: "dev", OverrideServiceURL: "http://localhost:8080", UsePrivateEndpoint: true},
			want: Endpoints{
				Base:      "http://private.localhost:8080",
				IAM:       "https://private.iam.test.cloud.ibm.com",
				Config:    "http://private.localhost:8080/apprapp/feature/v1/instances/g1/collections/c1/config?environment_id=dev",
				Metering:  "http://private.localhost:8080/apprapp/events/v1/instances/g1/usage",
				WebSocket: "ws://private.localhost:8080/apprapp/wsfeature?collection_id=c1&environment_id=dev&instance_id=g1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildEndpoints(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildEndpoints_Invalid(t *testing.T) {
	_, err := BuildEndpoints(EndpointOptions{GUID: "g"})
	assert.Error(t, err)
	_, err = BuildEndpoints(EndpointOptions{OverrideServiceURL: "not a url"})
	assert.Error(t, err)
}

func TestClient_Get(t *testing.T) {
	s := testutil.NewFakeServer(t)
	s.SetConfig(`{"features":[]}`)
	c := NewClient(StaticToken("abc"), time.Second)
	u := s.URL + "/apprapp/feature/v1/instances/g/collections/c/config?environment_id=e"

	resp, err := c.Get(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"features":[]}`, string(resp.Body))
	assert.Equal(t, []string{"Bearer abc"}, s.AuthHeaders())
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{status: http.StatusBadRequest, retryable: false},
		{status: http.StatusUnauthorized, retryable: false},
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusBadGateway, retryable: true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			s := testutil.NewFakeServer(t)
			s.FailConfig(tt.status)
			c := NewClient(nil, time.Second)

			resp, err := c.Get(context.Background(), s.URL+"/apprapp/feature/v1/instances/g/collections/c/config")
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.status, apperr.StatusCode(err))
			assert.Equal(t, tt.retryable, apperr.Retryable(err))
			assert.Contains(t, err.Error(), "API error (status")
		})
	}
}

func TestClient_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewClient(nil, time.Second).Get(context.Background(), addr)
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
}

func TestClient_Post(t *testing.T) {
	s := testutil.NewFakeServer(t)
	c := NewClient(StaticToken("abc"), time.Second)

	resp, err := c.Post(context.Background(), s.URL+"/apprapp/events/v1/instances/g/usage", map[string]string{"collection_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, s.Usages(), 1)
	assert.JSONEq(t, `{"collection_id":"c1"}`, string(s.Usages()[0]))
}

func TestIAMTokenSource_CachesToken(t *testing.T) {
	s := testutil.NewFakeServer(t)
	src := NewIAMTokenSource(s.URL, "apikey", nil)
	now := time.Now()
	src.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		tok, err := src.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testutil.TestToken, tok)
	}
	assert.Equal(t, 1, s.TokenHits())

	// 80% of the 3600s lifetime has passed.
	now = now.Add(49 * time.Minute)
	_, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.TokenHits())
}

func TestIAMTokenSource_RejectedKey(t *testing.T) {
	s := testutil.NewFakeServer(t)
	_, err := NewIAMTokenSource(s.URL, "", nil).Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPermanentRequest)
}

type socketEvents struct {
	mu       sync.Mutex
	opens    int
	messages []string
	closes   []int
	errs     []error
}

func (e *socketEvents) handler() SocketHandler {
	return SocketHandler{
		OnOpen: func() { e.mu.Lock(); e.opens++; e.mu.Unlock() },
		OnMessage: func(msg string) {
			e.mu.Lock()
			e.messages = append(e.messages, msg)
			e.mu.Unlock()
		},
		OnClose: func(code int, _ string) {
			e.mu.Lock()
			e.closes = append(e.closes, code)
			e.mu.Unlock()
		},
		OnError: func(err error) { e.mu.Lock(); e.errs = append(e.errs, err); e.mu.Unlock() },
	}
}

func (e *socketEvents) snapshot() (int, []string, []int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens, append([]string(nil), e.messages...), append([]int(nil), e.closes...), len(e.errs)
}

func wsURL(s *testutil.FakeServer) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/apprapp/wsfeature"
}

func TestSocket_MessagesSkipHeartbeat(t *testing.T) {
	s := testutil.NewFakeServer(t)
	ev := &socketEvents{}
	sock := OpenSocket(context.Background(), wsURL(s), nil, ev.handler(), nil)

	require.Eventually(t, func() bool { opens, _, _, _ := ev.snapshot(); return opens == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.SocketCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Push(Heartbeat)
	s.Push("config changed")
	require.Eventually(t, func() bool { _, msgs, _, _ := ev.snapshot(); return len(msgs) == 1 }, 2*time.Second, 10*time.Millisecond)

	sock.Close(CloseIntentional, "done")
	_, msgs, closes, errs := ev.snapshot()
	assert.Equal(t, []string{"config changed"}, msgs)
	assert.Empty(t, closes, "intentional close fires no callback")
	assert.Zero(t, errs)
	sock.Close(CloseIntentional, "again")
}

func TestSocket_PeerCloseReported(t *testing.T) {
	s := testutil.NewFakeServer(t)
	ev := &socketEvents{}
	sock := OpenSocket(context.Background(), wsURL(s), nil, ev.handler(), nil)
	defer sock.Close(CloseIntentional, "")

	require.Eventually(t, func() bool { return s.SocketCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.DropSockets(websocket.StatusGoingAway)

	select {
	case <-sock.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("read loop did not exit")
	}
	_, _, closes, _ := ev.snapshot()
	assert.Equal(t, []int{int(websocket.StatusGoingAway)}, closes)
}

func TestSocket_PeerIntentionalCodeIgnored(t *testing.T) {
	s := testutil.NewFakeServer(t)
	ev := &socketEvents{}
	sock := OpenSocket(context.Background(), wsURL(s), nil, ev.handler(), nil)
	defer sock.Close(CloseIntentional, "")

	require.Eventually(t, func() bool { return s.SocketCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.DropSockets(CloseIntentional)

	<-sock.Done()
	_, _, closes, errs := ev.snapshot()
	assert.Empty(t, closes)
	assert.Zero(t, errs)
}

func TestSocket_DialErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ev := &socketEvents{}
	sock := OpenSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil, ev.handler(), nil)
	<-sock.Done()

	opens, _, _, errs := ev.snapshot()
	assert.Zero(t, opens)
	assert.Equal(t, 1, errs)
}
