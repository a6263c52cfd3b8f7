package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/operator-dispatch/internal/core"
	"github.com/Cypherspark/operator-dispatch/internal/db"
	"github.com/Cypherspark/operator-dispatch/internal/dispatch"
	httpapi "github.com/Cypherspark/operator-dispatch/internal/http"
	"github.com/Cypherspark/operator-dispatch/internal/worker"
)

type stubRunner map[string]struct {
	sum dispatch.Summary
	err error
}

func (s stubRunner) RunOnce(_ context.Context, name string) (dispatch.Summary, error) {
	res, ok := s[name]
	if !ok {
		return dispatch.Summary{}, worker.ErrUnknownJob
	}
	return res.sum, res.err
}

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("connection refused") }

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestRunJob(t *testing.T) {
	runner := stubRunner{
		"welcome-job":  {sum: dispatch.Summary{Processed: 2, Sent: 2}},
		"reminder-job": {err: worker.ErrLocked},
		"broken-job":   {sum: dispatch.Summary{Processed: 1, Failed: 1}, err: errors.New("gateway authentication failed")},
	}
	h := httpapi.NewServer(runner, nil, nil, zerolog.Nop()).Router()

	w := do(h, http.MethodPost, "/admin/jobs/welcome-job/run")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		OK      bool             `json:"ok"`
		Summary dispatch.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.OK)
	require.Equal(t, 2, body.Summary.Sent)

	w = do(h, http.MethodPost, "/admin/jobs/reminder-job/run")
	require.Equal(t, http.StatusConflict, w.Code)
	require.JSONEq(t, `{"error":"locked"}`, w.Body.String())

	w = do(h, http.MethodPost, "/admin/jobs/nope/run")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(h, http.MethodPost, "/admin/jobs/broken-job/run")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "authentication")

	w = do(h, http.MethodGet, "/admin/jobs/welcome-job/run")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealth(t *testing.T) {
	h := httpapi.NewServer(nil, nil, downDB{}, zerolog.Nop()).Router()

	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/readyz").Code)
	require.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/admin/jobs/welcome-job/run").Code, "admin routes need a runner")

	w := do(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

func TestListDispatches(t *testing.T) {
	pg := db.StartTestPostgres(t)
	store := &core.Store{DB: pg.Pool}
	ctx := context.Background()

	id, err := store.CreateRecipient(ctx, core.Recipient{Name: "Asha", Phone: "+919000000001", Classification: "pump_operator"})
	require.NoError(t, err)
	rec, err := store.Reserve(ctx, core.ReserveParams{RecipientID: id, PhoneNumber: "+919000000001", Campaign: core.CampaignWelcome, Instance: core.WelcomeInstance})
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, &rec, "gateway timeout", ""))
	_, err = store.Reserve(ctx, core.ReserveParams{RecipientID: id, PhoneNumber: "+919000000001", Campaign: core.CampaignWelcome, Instance: core.WelcomeInstance})
	require.NoError(t, err)

	h := httpapi.NewServer(nil, store, pg.Pool, zerolog.Nop()).Router()
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/readyz").Code)

	var page struct {
		Items []core.DispatchRecord `json:"items"`
		Limit int                   `json:"limit"`
	}
	w := do(h, http.MethodGet, "/dispatches?campaign=WELCOME&status=FAILED")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	require.Equal(t, "gateway timeout", *page.Items[0].ErrorMessage)
	require.Equal(t, 50, page.Limit)

	w = do(h, http.MethodGet, "/dispatches?recipient_id="+strconv.FormatInt(id, 10)+"&limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	require.Equal(t, core.StatusPending, page.Items[0].Status, "newest first")

	require.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/dispatches?status=LOST").Code)
	require.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/dispatches?campaign=BIRTHDAY").Code)
	require.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/dispatches?recipient_id=abc").Code)
}
