package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/external"
	"DerivLedger/internal/ingestion"
	dmath "DerivLedger/internal/math"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/projection"
	"DerivLedger/internal/server"
	"DerivLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	contractID = "deriv-1"
	product    = "SPX"
)

var (
	t0 = time.Unix(1_700_000_000, 0).UTC()

	sponsor    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	delegate   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	admin      = common.HexToAddress("0x3000000000000000000000000000000000000003")
	currency   = common.HexToAddress("0x5000000000000000000000000000000000000005")
	calculator = common.HexToAddress("0x6000000000000000000000000000000000000006")
)

type feedPublisher struct {
	feed *external.MemoryPriceFeed
}

func (p feedPublisher) Publish(_ context.Context, product string, t time.Time, price decimal.Decimal) error {
	return p.feed.Push(product, t, price)
}

type env struct {
	deps    server.Deps
	handler http.Handler
	feed    *external.MemoryPriceFeed
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	feed := external.NewMemoryPriceFeed()
	cur := external.NewMemoryCurrency(currency)
	cur.Fund(sponsor, dmath.MustParse("10"))
	require.NoError(t, feed.Push(product, t0, dmath.MustParse("2")))

	ext := external.Collaborators{
		Feed:      feed,
		Oracle:    external.NewMemoryOracle(),
		Store:     &external.MemoryStore{Addr: common.HexToAddress("0x7000000000000000000000000000000000000007")},
		Currency:  cur,
		Whitelist: external.StaticWhitelist{currency: true, calculator: true},
	}
	nop := zerolog.Nop()
	metrics := observability.NewMetrics()
	c, err := core.NewDerivative(ctx, core.ContractParams{
		ContractID:        contractID,
		Product:           product,
		Sponsor:           sponsor,
		APDelegate:        delegate,
		Admin:             admin,
		ReturnCalculator:  calculator,
		ReturnType:        dmath.Linear,
		Leverage:          dmath.MustParse("1"),
		DefaultPenalty:    dmath.MustParse("0.05"),
		SupportedMove:     dmath.MustParse("0.1"),
		DisputeDeposit:    dmath.MustParse("0.5"),
		WithdrawLimit:     dmath.MustParse("0.33"),
		InitialTokenPrice: dmath.MustParse("1"),
	}, ext, core.CoreConfig{Metrics: metrics, Logger: &nop})
	require.NoError(t, err)

	act := core.NewActor(c, 8)
	go act.Run(ctx)
	reg := core.NewRegistry()
	require.NoError(t, reg.Register(act))

	deps := server.Deps{
		Registry: reg,
		Admin:    ingestion.NewAdminService(reg, feedPublisher{feed: feed}, nil),
		History:  projection.NewNoticeHistory(64),
		Health:   observability.NewHealthChecker(),
		Metrics:  metrics,
		Logger:   nop,
	}
	return &env{deps: deps, handler: server.NewRouter(deps), feed: feed}
}

func callBody(t *testing.T, callID string, fields map[string]interface{}) []byte {
	t.Helper()
	payload := map[string]interface{}{
		"call_id":   callID,
		"caller":    sponsor.Hex(),
		"timestamp": t0.Format(time.RFC3339),
	}
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return data
}

func (e *env) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_SubmitCallAndReadStorage(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/contracts/deriv-1/calls/deposit",
		callBody(t, uuid.NewString(), map[string]interface{}{"amount": "1"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp server.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Sequence)
	assert.Len(t, resp.StateHash, 64)

	rec = e.do(t, http.MethodGet, "/api/v1/contracts/deriv-1/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var s state.DerivativeStorage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.True(t, s.ShortBalance.Equal(dmath.MustParse("1")), "short balance %s", s.ShortBalance)
	assert.Equal(t, state.Live, s.State)
}

func TestHTTP_ErrorStatuses(t *testing.T) {
	e := newEnv(t)
	dup := uuid.NewString()

	rec := e.do(t, http.MethodPost, "/api/v1/contracts/deriv-1/calls/deposit",
		callBody(t, dup, map[string]interface{}{"amount": "1"}))
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   []byte
		want   int
	}{
		{"unknown contract", http.MethodGet, "/api/v1/contracts/nope/calc", nil, http.StatusNotFound},
		{"unknown op", http.MethodPost, "/api/v1/contracts/deriv-1/calls/liquidate",
			callBody(t, uuid.NewString(), nil), http.StatusBadRequest},
		{"duplicate call", http.MethodPost, "/api/v1/contracts/deriv-1/calls/deposit",
			callBody(t, dup, map[string]interface{}{"amount": "1"}), http.StatusConflict},
		{"zero deposit", http.MethodPost, "/api/v1/contracts/deriv-1/calls/deposit",
			callBody(t, uuid.NewString(), map[string]interface{}{"amount": "0"}), http.StatusBadRequest},
		{"history without postgres", http.MethodGet, "/api/v1/contracts/deriv-1/nav-history", nil, http.StatusServiceUnavailable},
		{"bad limit", http.MethodGet, "/api/v1/contracts/deriv-1/notices?limit=0", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHTTP_CalcAndSettleability(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/contracts/deriv-1/calls/deposit",
		callBody(t, uuid.NewString(), map[string]interface{}{"amount": "1"}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/contracts/deriv-1/calc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var b core.CalcBundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.True(t, b.ShortMarginBalance.Equal(dmath.MustParse("1")))
	assert.True(t, b.Nav.IsZero())
	assert.False(t, b.CanBeSettled)

	rec = e.do(t, http.MethodGet, "/api/v1/contracts/deriv-1/can-settle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"can_be_settled":false}`, rec.Body.String())
}

func TestHTTP_NoticesFilteredByParty(t *testing.T) {
	e := newEnv(t)
	e.deps.History.Add(
		event.Notice{Kind: event.NoticeDeposited, ContractID: contractID, Party: sponsor},
		event.Notice{Kind: event.NoticeDeposited, ContractID: contractID, Party: delegate},
	)

	rec := e.do(t, http.MethodGet, "/api/v1/contracts/deriv-1/notices?party="+delegate.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Notices []event.Notice `json:"notices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Notices, 1)
	assert.Equal(t, delegate, out.Notices[0].Party)

	rec = e.do(t, http.MethodGet, "/api/v1/contracts/deriv-1/notices?party=not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_PublishPrice(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/admin/prices/SPX",
		[]byte(`{"time":"2023-11-14T22:14:00Z","price":"2.5"}`))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	obs, err := e.feed.LatestPrice(context.Background(), product)
	require.NoError(t, err)
	assert.True(t, obs.Price.Equal(dmath.MustParse("2.5")))

	rec = e.do(t, http.MethodPost, "/api/v1/admin/prices/SPX", []byte(`{"price":"2.5"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	e.deps.Health.SetReady(true)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/readyz", nil).Code)

	e.do(t, http.MethodGet, "/api/v1/contracts", nil)
	rec := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/api/v1/contracts"`)
}

func TestGRPC_DerivativeService(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPCServer("bufnet", e.deps)
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := server.NewDerivativeClient(conn)

	res, err := client.Submit(ctx, contractID, "deposit",
		callBody(t, uuid.NewString(), map[string]interface{}{"amount": "2"}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Sequence)

	s, err := client.GetStorage(ctx, contractID)
	require.NoError(t, err)
	assert.True(t, s.ShortBalance.Equal(dmath.MustParse("2")))

	b, err := client.Calc(ctx, contractID)
	require.NoError(t, err)
	assert.True(t, b.ExcessMargin.Equal(dmath.MustParse("2")), "excess %s", b.ExcessMargin)

	_, err = client.GetStorage(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Submit(ctx, contractID, "deposit",
		callBody(t, uuid.NewString(), map[string]interface{}{"amount": "-1"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
