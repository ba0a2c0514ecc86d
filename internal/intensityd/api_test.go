package intensityd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-intensity/internal/model"
)

type fakeHistory struct {
	results   []model.IntensityResult
	err       error
	gotLimit  int
	gotSymbol string
}

func (f *fakeHistory) ReadResults(exchange, token string, limit int) ([]model.IntensityResult, error) {
	f.gotLimit = limit
	f.gotSymbol = exchange + ":" + token
	return f.results, f.err
}

type fakeLatest struct {
	data []byte
	err  error
}

func (f *fakeLatest) ReadLatest(_ context.Context, exchange, token string) ([]byte, error) {
	return f.data, f.err
}

func setupRouter(t *testing.T) (*Service, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(t)
	return svc, svc.Router()
}

func doRequest(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPI_LatestAll(t *testing.T) {
	svc, r := setupRouter(t)

	w := doRequest(r, http.MethodGet, "/v1/intensity", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"results":[]}`, w.Body.String())

	ctx := context.Background()
	svc.handleBook(ctx, makeBook("NSE:26009", t0, 5, 1))
	svc.handleBook(ctx, makeBook(testKey, t0, 2, 0.5))

	w = doRequest(r, http.MethodGet, "/v1/intensity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Results []model.IntensityResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, testKey, resp.Results[0].Key())
	assert.Equal(t, "NSE:26009", resp.Results[1].Key())
}

func TestAPI_Latest(t *testing.T) {
	svc, r := setupRouter(t)

	w := doRequest(r, http.MethodGet, "/v1/intensity/NSE/26000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	svc.handleBook(context.Background(), makeBook(testKey, t0, 2, 0.5))
	w = doRequest(r, http.MethodGet, "/v1/intensity/NSE/26000", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res model.IntensityResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Ready)
	assert.Equal(t, 1, res.Samples)
	assert.InEpsilon(t, 2, res.Alpha, 1e-9)
	assert.True(t, res.TS.Equal(t0))
}

func TestAPI_LatestFallsBackToPersisted(t *testing.T) {
	svc, r := setupRouter(t)
	svc.persisted = &fakeLatest{data: []byte(`{"exchange":"NSE","token":"26000","alpha":3,"kappa":0.4,"ready":true}`)}

	w := doRequest(r, http.MethodGet, "/v1/intensity/NSE/26000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res model.IntensityResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 3.0, res.Alpha)

	// In-memory results win over the persisted copy.
	svc.handleBook(context.Background(), makeBook(testKey, t0, 2, 0.5))
	w = doRequest(r, http.MethodGet, "/v1/intensity/NSE/26000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.InEpsilon(t, 2, res.Alpha, 1e-9)

	svc.persisted = &fakeLatest{err: errors.New("connection refused")}
	w = doRequest(r, http.MethodGet, "/v1/intensity/NSE/26009", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Replay(t *testing.T) {
	svc, r := setupRouter(t)

	w := doRequest(r, http.MethodGet, "/v1/replay/NSE/26000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"channel":"pub:intensity:NSE:26000","seq":0,"messages":[]}`, w.Body.String())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		svc.handleBook(ctx, makeBook(testKey, t0.Add(time.Duration(i)*time.Second), 2, 0.5))
	}

	type envelope struct {
		Channel    string `json:"channel"`
		ChannelSeq int64  `json:"channel_seq"`
	}
	var resp struct {
		Seq      int64      `json:"seq"`
		Messages []envelope `json:"messages"`
	}
	w = doRequest(r, http.MethodGet, "/v1/replay/NSE/26000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Seq)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "pub:intensity:NSE:26000", resp.Messages[0].Channel)

	w = doRequest(r, http.MethodGet, "/v1/replay/NSE/26000?from=2&to=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, int64(2), resp.Messages[0].ChannelSeq)

	w = doRequest(r, http.MethodGet, "/v1/replay/NSE/26000?from=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_History(t *testing.T) {
	svc, r := setupRouter(t)

	w := doRequest(r, http.MethodGet, "/v1/intensity/NSE/26000?history=5", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	hist := &fakeHistory{results: []model.IntensityResult{
		{Exchange: "NSE", Token: "26000", TS: t0, Alpha: 1, Ready: true},
		{Exchange: "NSE", Token: "26000", TS: t0.Add(time.Second), Alpha: 2, Ready: true},
	}}
	svc.history = hist

	w = doRequest(r, http.MethodGet, "/v1/intensity/NSE/26000?history=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, hist.gotLimit)
	assert.Equal(t, testKey, hist.gotSymbol)

	var resp struct {
		Key     string                  `json:"key"`
		Results []model.IntensityResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testKey, resp.Key)
	assert.Len(t, resp.Results, 2)

	for _, q := range []string{"0", "-1", "abc", "5000"} {
		w = doRequest(r, http.MethodGet, "/v1/intensity/NSE/26000?history="+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	hist.err = errors.New("disk I/O error")
	w = doRequest(r, http.MethodGet, "/v1/intensity/NSE/26000?history=5", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAPI_Stats(t *testing.T) {
	svc, r := setupRouter(t)

	w := doRequest(r, http.MethodGet, "/v1/intensity/NSE/26000/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	ctx := context.Background()
	svc.handleBook(ctx, makeBook(testKey, t0, 2, 0.5))
	shallow := makeBook(testKey, t0, 2, 0.5)
	shallow.Asks = shallow.Asks[:1]
	svc.handleBook(ctx, shallow)

	w = doRequest(r, http.MethodGet, "/v1/intensity/NSE/26000/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t,
		`{"key":"NSE:26000","stats":{"accepted":1,"partial":0,"degenerate":0,"rejected":1}}`,
		w.Body.String())
}

func TestAPI_Peek(t *testing.T) {
	svc, r := setupRouter(t)
	body := makeBook(testKey, t0, 4, 0.5)

	w := doRequest(r, http.MethodPost, "/v1/intensity/peek", body.JSON())
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	svc.handleBook(context.Background(), makeBook(testKey, t0, 2, 0.5))
	w = doRequest(r, http.MethodPost, "/v1/intensity/peek", body.JSON())
	require.Equal(t, http.StatusOK, w.Code)

	var res model.IntensityResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Live)
	assert.InEpsilon(t, 3, res.Alpha, 1e-9)

	w = doRequest(r, http.MethodPost, "/v1/intensity/peek", []byte(`{"bids":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Reload(t *testing.T) {
	svc, r := setupRouter(t)
	svc.handleBook(context.Background(), makeBook(testKey, t0, 2, 0.5))

	w := doRequest(r, http.MethodPost, "/reload", []byte(`{"buffer_length":50,"depth":"tail"}`))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string `json:"status"`
		Config struct {
			BufferLength int    `json:"buffer_length"`
			Depth        string `json:"depth"`
			Policy       string `json:"policy"`
		} `json:"config"`
		Rebuilt int `json:"rebuilt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 50, resp.Config.BufferLength)
	assert.Equal(t, "tail", resp.Config.Depth)
	assert.Equal(t, "healthy_side", resp.Config.Policy)
	assert.Equal(t, 1, resp.Rebuilt)

	w = doRequest(r, http.MethodPost, "/reload", []byte(`{"depth":"bogus"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "bogus")

	w = doRequest(r, http.MethodPost, "/reload", []byte(`[1,2]`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodGet, "/reload", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Healthz(t *testing.T) {
	svc, r := setupRouter(t)

	w := doRequest(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	svc.health.SetRedisConnected(true)
	svc.health.SetEngineOK(true)
	svc.health.SetSQLiteOK(true)
	w = doRequest(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestAPI_Metrics(t *testing.T) {
	svc, r := setupRouter(t)
	svc.handleBook(context.Background(), makeBook(testKey, t0, 2, 0.5))

	w := doRequest(r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "intensity_books_total 1"), body)
	assert.Contains(t, body, `instrument="NSE:26000"`)
}
