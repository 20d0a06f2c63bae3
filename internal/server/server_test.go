package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/query"
	"PerpRisk/internal/server"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	got  []event.Event
	err  error
	next uint64
}

func (f *fakeSubmitter) Submit(_ context.Context, evt event.Event) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.got = append(f.got, evt)
	f.next++
	return f.next, nil
}

// newAPI runs the full risk script (open, fund, trade, crank) into a
// projection and serves it.
func newAPI(t *testing.T, submitter server.CommandSubmitter) *server.API {
	t.Helper()
	c, out := testutil.NewTestCore(t)
	outputs := testutil.RunScript(t, c, out, testutil.RiskScript())

	accounts := projection.NewAccountsProjection(state.DefaultRiskParams())
	history := projection.NewCrankHistoryProjection(16)
	for _, o := range outputs {
		accounts.Apply(o)
		if o.Result.Outcome != nil {
			for _, a := range o.Result.Outcome.Actions {
				history.AddEntry(projection.CrankHistoryEntry{Sequence: o.Envelope.Sequence, Action: a})
			}
		}
	}
	return server.NewAPI(query.NewQueryService(accounts, history, nil), submitter)
}

func startGRPC(t *testing.T, api *server.API, metrics *observability.Metrics) (*grpc.ClientConn, *server.GRPCServer) {
	t.Helper()
	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		API:     api,
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	})

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeGRPC(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("gRPC server did not stop")
		}
	})
	return conn, srv
}

func invoke(conn *grpc.ClientConn, service, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Invoke(ctx, "/"+service+"/"+method, req, resp, grpc.CallContentSubtype(server.CodecName))
}

func TestGRPC_QueryService(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	conn, _ := startGRPC(t, newAPI(t, nil), metrics)

	var acct query.AccountResponse
	if err := invoke(conn, server.QueryServiceName, "GetAccount", &server.GetAccountRequest{Index: 1}, &acct); err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Kind != "Trader" || acct.PositionSize != 0 {
		t.Errorf("trader should be flat after the force close: %+v", acct)
	}
	if acct.MarkPrice != 1_300_000 {
		t.Errorf("expected mark price from the crank, got %d", acct.MarkPrice)
	}

	var list server.ListAccountsResponse
	if err := invoke(conn, server.QueryServiceName, "ListAccounts", &server.ListAccountsRequest{Kind: "lp"}, &list); err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(list.Accounts) != 1 || list.Accounts[0].Index != 0 {
		t.Errorf("expected only the LP, got %+v", list.Accounts)
	}
	if list.AsOfSequence != 5 {
		t.Errorf("expected as_of_sequence 5, got %d", list.AsOfSequence)
	}

	var actions server.ListCrankActionsResponse
	if err := invoke(conn, server.QueryServiceName, "ListCrankActions", &server.ListCrankActionsRequest{}, &actions); err != nil {
		t.Fatalf("ListCrankActions: %v", err)
	}
	if len(actions.Actions) != 1 || actions.Actions[0].ActionType != "MaxPnLClose" {
		t.Errorf("expected one max-pnl close, got %+v", actions.Actions)
	}

	err := invoke(conn, server.QueryServiceName, "GetAccount", &server.GetAccountRequest{Index: 99}, &acct)
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}

	if got := counterTotal(t, reg, "perp_query_requests_total"); got != 4 {
		t.Errorf("expected 4 recorded requests, got %v", got)
	}
}

func TestGRPC_Errors(t *testing.T) {
	conn, _ := startGRPC(t, newAPI(t, nil), nil)

	tests := []struct {
		name    string
		service string
		method  string
		req     any
		code    codes.Code
	}{
		{"negative crank index", server.QueryServiceName, "ListCrankActions", &server.ListCrankActionsRequest{Index: intPtr(-1)}, codes.InvalidArgument},
		{"submit without ingestion", server.IngestServiceName, "SubmitCommand",
			&server.SubmitCommandRequest{EventType: "AddUser", Payload: json.RawMessage(`{}`)}, codes.Unavailable},
		{"event log without database", server.AdminServiceName, "GetEventLogInfo", &server.GetEventLogInfoRequest{}, codes.Unavailable},
		{"unknown method", server.QueryServiceName, "Nope", &server.GetTotalsRequest{}, codes.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp json.RawMessage
			err := invoke(conn, tt.service, tt.method, tt.req, &resp)
			if status.Code(err) != tt.code {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestGRPC_Health(t *testing.T) {
	conn, srv := startGRPC(t, newAPI(t, nil), nil)
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: server.QueryServiceName})
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
			}
			t.Fatalf("health check: %v", err)
		}
		return resp.Status
	}

	if st := check(); st == healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("should not serve before recovery")
	}
	srv.SetServing(true)
	if st := check(); st != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %s", st)
	}
}

func TestSubmitCommand(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
		submitErr error
		code      codes.Code
	}{
		{"deposit", "Deposit", `{"deposit_id":"6f1c2a7e-0c55-4f0b-9d7a-2b1d7f1f0a11","account_index":1,"amount":500}`, nil, codes.OK},
		{"unknown type", "Withdraw", `{}`, nil, codes.InvalidArgument},
		{"empty payload", "Deposit", ``, nil, codes.InvalidArgument},
		{"bad json", "Deposit", `{"amount":`, nil, codes.InvalidArgument},
		{"fails validation", "Deposit", `{"account_index":1,"amount":500}`, nil, codes.InvalidArgument},
		{"stream down", "AddUser", `{"command_id":"0d6c8a4b-6a86-4bbd-8f0e-3b5a2f5a9c01"}`, errors.New("no responders"), codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tt.submitErr}
			api := newAPI(t, sub)

			resp, err := api.SubmitCommand(context.Background(), &server.SubmitCommandRequest{
				EventType: tt.eventType,
				Payload:   json.RawMessage(tt.payload),
			})
			if status.Code(err) != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
			if tt.code != codes.OK {
				return
			}
			if !resp.Accepted || resp.StreamSequence != 1 {
				t.Errorf("unexpected response: %+v", resp)
			}
			if len(sub.got) != 1 || sub.got[0].EventType() != event.EventTypeDeposit {
				t.Errorf("expected one submitted deposit, got %v", sub.got)
			}
		})
	}
}

func TestHTTPHandler(t *testing.T) {
	sub := &fakeSubmitter{}
	hc := observability.NewHealthChecker()
	handler := server.NewHTTPHandler(newAPI(t, sub), hc, promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}), zerolog.Nop())
	ts := httptest.NewServer(handler)
	defer ts.Close()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		check  func(t *testing.T, body []byte)
	}{
		{"account", "GET", "/v1/accounts/0", "", http.StatusOK, func(t *testing.T, body []byte) {
			var a query.AccountResponse
			mustDecode(t, body, &a)
			if a.Kind != "LP" || a.Index != 0 {
				t.Errorf("unexpected account: %+v", a)
			}
		}},
		{"accounts by kind", "GET", "/v1/accounts?kind=trader", "", http.StatusOK, func(t *testing.T, body []byte) {
			var r server.ListAccountsResponse
			mustDecode(t, body, &r)
			if len(r.Accounts) != 1 || r.Accounts[0].Kind != "Trader" {
				t.Errorf("unexpected accounts: %+v", r.Accounts)
			}
		}},
		{"bad kind", "GET", "/v1/accounts?kind=whale", "", http.StatusBadRequest, nil},
		{"bad index", "GET", "/v1/accounts/abc", "", http.StatusBadRequest, nil},
		{"missing account", "GET", "/v1/accounts/42", "", http.StatusNotFound, nil},
		{"margin", "GET", "/v1/accounts/0/margin", "", http.StatusOK, func(t *testing.T, body []byte) {
			var m query.MarginInfo
			mustDecode(t, body, &m)
			if m.MarkPrice != 1_300_000 {
				t.Errorf("expected crank mark price, got %d", m.MarkPrice)
			}
		}},
		{"crank actions for trader", "GET", "/v1/accounts/1/crank-actions", "", http.StatusOK, func(t *testing.T, body []byte) {
			var r server.ListCrankActionsResponse
			mustDecode(t, body, &r)
			if len(r.Actions) != 1 || r.Actions[0].AccountIndex != 1 {
				t.Errorf("unexpected actions: %+v", r.Actions)
			}
		}},
		{"crank actions for lp", "GET", "/v1/accounts/0/crank-actions", "", http.StatusOK, func(t *testing.T, body []byte) {
			var r server.ListCrankActionsResponse
			mustDecode(t, body, &r)
			if len(r.Actions) != 0 {
				t.Errorf("LP was not force-closed: %+v", r.Actions)
			}
		}},
		{"totals", "GET", "/v1/totals", "", http.StatusOK, func(t *testing.T, body []byte) {
			var r query.TotalsResponse
			mustDecode(t, body, &r)
			if r.NumAccounts != 2 || r.AsOfSequence != 5 {
				t.Errorf("unexpected totals: %+v", r)
			}
		}},
		{"journals need the log", "GET", "/v1/accounts/0/journals?before=3", "", http.StatusServiceUnavailable, nil},
		{"bad before", "GET", "/v1/accounts/0/journals?before=x", "", http.StatusBadRequest, nil},
		{"submit", "POST", "/v1/commands/AddUser", `{"command_id":"0d6c8a4b-6a86-4bbd-8f0e-3b5a2f5a9c01"}`, http.StatusOK, func(t *testing.T, body []byte) {
			var r server.SubmitCommandResponse
			mustDecode(t, body, &r)
			if !r.Accepted {
				t.Errorf("expected accepted: %+v", r)
			}
		}},
		{"submit unknown", "POST", "/v1/commands/Nope", `{}`, http.StatusBadRequest, nil},
		{"integrity needs the log", "GET", "/v1/admin/integrity", "", http.StatusServiceUnavailable, nil},
		{"liveness", "GET", "/healthz", "", http.StatusOK, nil},
		{"not ready", "GET", "/readyz", "", http.StatusServiceUnavailable, nil},
		{"metrics", "GET", "/metrics", "", http.StatusOK, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("%s %s: %v", tt.method, tt.path, err)
			}
			defer resp.Body.Close()

			var buf bytes.Buffer
			if _, err := buf.ReadFrom(resp.Body); err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, resp.StatusCode, buf.String())
			}
			if tt.check != nil {
				tt.check(t, []byte(buf.String()))
			}
		})
	}

	if len(sub.got) != 1 {
		t.Errorf("expected one submitted command, got %d", len(sub.got))
	}
}

func mustDecode(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func intPtr(v int) *int { return &v }
