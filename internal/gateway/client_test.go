package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu         sync.Mutex
	logins     int
	tokens     []string // tokens issued, in order
	reject     int      // number of upcoming GraphQL calls answered with 401
	calls      []map[string]any
	respond    func(op string) string
}

func (f *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			User struct{ Phone, Password string } `json:"user"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.User.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.logins++
		tok := "tok-" + string(rune('0'+f.logins))
		f.tokens = append(f.tokens, tok)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"data":{"access_token":"` + tok + `","token_expiry_time":"` +
			time.Now().Add(time.Hour).UTC().Format(time.RFC3339) + `"}}`))
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.tokens) == 0 || r.Header.Get("Authorization") != f.tokens[len(f.tokens)-1] || f.reject > 0 {
			if f.reject > 0 {
				f.reject--
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.calls = append(f.calls, req)
		vars, _ := req["variables"].(map[string]any)
		op := "createContact"
		switch {
		case vars["phone"] != nil:
			op = "optinContact"
		case vars["templateId"] != nil:
			op = "sendHsmMessage"
		}
		_, _ = w.Write([]byte(f.respond(op)))
	})
	return mux
}

func okResponses(op string) string {
	switch op {
	case "createContact":
		return `{"data":{"createContact":{"contact":{"id":"42"},"errors":null}}}`
	case "optinContact":
		return `{"data":{"optinContact":{"contact":{"id":"42"},"errors":null}}}`
	default:
		return `{"data":{"sendHsmMessage":{"message":{"id":"m1"},"errors":null}}}`
	}
}

func newTestClient(t *testing.T, f *fakeProvider, password string) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:  srv.URL + "/",
		Username: "919999999999",
		Password: password,
		Timeout:  2 * time.Second,
		QPS:      1000,
		Burst:    10,
	}, nil, zerolog.Nop())
}

func TestClient_WelcomeSequence(t *testing.T) {
	f := &fakeProvider{respond: okResponses}
	c := newTestClient(t, f, "secret")
	ctx := context.Background()

	id, err := c.CreateContact(ctx, "Asha", "919000000001")
	require.NoError(t, err)
	require.Equal(t, "42", id)
	require.NoError(t, c.OptIn(ctx, "919000000001"))
	require.NoError(t, c.SendTemplate(ctx, id, "7", []string{"Asha"}))

	require.Equal(t, 1, f.logins, "token reused across calls")
	require.Len(t, f.calls, 3)
	vars := f.calls[2]["variables"].(map[string]any)
	require.Equal(t, "42", vars["receiverId"])
	require.Equal(t, []any{"Asha"}, vars["parameters"])
}

func TestClient_UnauthorizedRetriesWithFreshToken(t *testing.T) {
	f := &fakeProvider{respond: okResponses}
	c := newTestClient(t, f, "secret")
	ctx := context.Background()

	require.NoError(t, c.OptIn(ctx, "919000000001"))

	// token revoked server-side before its expiry
	f.mu.Lock()
	f.reject = 1
	f.mu.Unlock()
	require.NoError(t, c.OptIn(ctx, "919000000001"))
	require.Equal(t, 2, f.logins)
	require.Len(t, f.calls, 2)
}

func TestClient_UnauthorizedTwiceIsAuthError(t *testing.T) {
	f := &fakeProvider{respond: okResponses}
	c := newTestClient(t, f, "secret")
	ctx := context.Background()

	require.NoError(t, c.OptIn(ctx, "919000000001"))

	f.mu.Lock()
	f.reject = 2
	f.mu.Unlock()
	err := c.OptIn(ctx, "919000000001")
	require.True(t, IsAuth(err))
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, http.StatusUnauthorized, gerr.StatusCode)
	require.Equal(t, 2, f.logins, "one refresh per call")

	// the rejected token is dropped, so the next call logs in again
	require.NoError(t, c.OptIn(ctx, "919000000001"))
	require.Equal(t, 3, f.logins)
}

func TestClient_LoginFailureIsAuthError(t *testing.T) {
	f := &fakeProvider{respond: okResponses}
	c := newTestClient(t, f, "wrong")

	_, err := c.CreateContact(context.Background(), "Asha", "919000000001")
	require.True(t, IsAuth(err))
	require.Empty(t, f.calls)
}

func TestClient_MutationErrorsSurface(t *testing.T) {
	f := &fakeProvider{respond: func(op string) string {
		return `{"data":{"createContact":{"contact":null,"errors":[{"key":"phone","message":"has already been taken"}]}}}`
	}}
	c := newTestClient(t, f, "secret")

	_, err := c.CreateContact(context.Background(), "Asha", "919000000001")
	require.Error(t, err)
	require.False(t, IsAuth(err))
	require.Contains(t, err.Error(), "phone: has already been taken")
}

func TestClient_TopLevelGraphQLErrors(t *testing.T) {
	f := &fakeProvider{respond: func(op string) string {
		return `{"errors":[{"message":"template not approved"}]}`
	}}
	c := newTestClient(t, f, "secret")

	err := c.SendTemplate(context.Background(), "42", "7", nil)
	require.ErrorContains(t, err, "template not approved")
}

func TestClient_MalformedResponse(t *testing.T) {
	f := &fakeProvider{respond: func(op string) string { return `<html>bad gateway</html>` }}
	c := newTestClient(t, f, "secret")

	err := c.OptIn(context.Background(), "919000000001")
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestClient_ServerErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/session" {
			_, _ = w.Write([]byte(`{"data":{"access_token":"t","token_expiry_time":"2099-01-01T00:00:00Z"}}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient(Config{BaseURL: srv.URL, Password: "x"}, nil, zerolog.Nop())

	err := c.OptIn(context.Background(), "1")
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, http.StatusBadGateway, gerr.StatusCode)
	require.False(t, IsAuth(err))
}

func TestDummy_Succeeds(t *testing.T) {
	d := &Dummy{}
	id, err := d.CreateContact(context.Background(), "n", "p")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, d.OptIn(context.Background(), "p"))
	require.NoError(t, d.SendTemplate(context.Background(), id, "t", nil))
}
