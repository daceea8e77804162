package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"openclaw_proxy/internal/auth"
	"openclaw_proxy/internal/auth/authtest"
	"openclaw_proxy/internal/config"
	"openclaw_proxy/internal/metering"
	"openclaw_proxy/internal/queue"
)

const testInternalKey = "internal-secret"

type testBase struct {
	deps    *Dependencies
	store   *authtest.CredentialStore
	auth    *auth.Authenticator
	stream  *queue.MemoryStream
	emitter *metering.Emitter
	redis   *miniredis.Miniredis
}

func newTestBase(t *testing.T, prefix string) *testBase {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := authtest.NewCredentialStore()
	_, err = store.Add("cust-1", "box-1", "tok", bcrypt.MinCost)
	require.NoError(t, err)
	authenticator := auth.NewAuthenticator(store, client, prefix, 0, nil)

	stream := queue.NewMemoryStream(nil)
	require.NoError(t, stream.EnsureGroup(context.Background()))
	emitter := metering.NewEmitter(stream, nil)

	t.Cleanup(func() {
		emitter.Close()
		client.Close()
		mr.Close()
	})

	return &testBase{
		deps: &Dependencies{
			Config: &config.Config{
				InternalAPIKey: testInternalKey,
				Token:          config.TokenConfig{RateLimitRPS: 10},
			},
			Authenticator: authenticator,
			Emitter:       emitter,
		},
		store:   store,
		auth:    authenticator,
		stream:  stream,
		emitter: emitter,
		redis:   mr,
	}
}

// events drains the emitter and parses everything appended so far
func (b *testBase) events(t *testing.T) []metering.Event {
	t.Helper()
	b.emitter.Close()

	msgs, err := b.stream.ReadGroup(context.Background(), queue.StartNew, 100, 0)
	require.NoError(t, err)
	var events []metering.Event
	for _, m := range msgs {
		ev, err := metering.ParseEvent(m.Values)
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func do(t *testing.T, handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}
