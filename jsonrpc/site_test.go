package jsonrpc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/mnehpets/rpcsite/endpoint"
	"github.com/mnehpets/rpcsite/middleware"
)

func echoFirst(_ context.Context, args Args) (any, error) {
	var s any
	if err := args.Scan(&s); err != nil {
		return nil, err
	}
	return s, nil
}

func newTestSite(t *testing.T, opts ...Option) *Site {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithName("test")}, opts...)
	site := NewSite(opts...)
	site.MustRegister(Method{Name: "jsonrpc.test", Params: []Param{{Name: "string"}}, Handler: echoFirst})
	site.MustRegister(Method{
		Name:    "jsonrpc.notify",
		Params:  []Param{{Name: "string"}},
		Handler: func(context.Context, Args) (any, error) { return nil, nil },
	})
	site.MustRegister(Method{
		Name:    "jsonrpc.fails",
		Params:  []Param{{Name: "string"}},
		Handler: func(context.Context, Args) (any, error) { return nil, errors.New("") },
	})
	site.MustRegister(Method{
		Name: "jsonrpc.strangeEcho",
		Params: []Param{
			{Name: "string"}, {Name: "omg"}, {Name: "wtf"}, {Name: "nowai"},
			{Name: "yeswai", Optional: true, Default: "Default"},
		},
		Handler: func(_ context.Context, args Args) (any, error) {
			out := make([]any, len(args))
			for i := range args {
				if err := args.Decode(i, &out[i]); err != nil {
					return nil, err
				}
			}
			return out, nil
		},
	})
	site.MustRegister(Method{
		Name:    "jsonrpc.safeEcho",
		Params:  []Param{{Name: "string", Type: "str"}},
		Safe:    true,
		Summary: "Echo a string.",
		Returns: "str",
		Handler: echoFirst,
	})
	return site
}

func serve(site *Site) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/json/{method...}", endpoint.Handler(site.Endpoint))
	return mux
}

func post(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	var b []byte
	switch v := body.(type) {
	case string:
		b = []byte(v)
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/json/", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeObject(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("response %q is not an object: %v", rec.Body.String(), err)
	}
	return m
}

func TestSite_10(t *testing.T) {
	h := serve(newTestSite(t))
	rec := post(t, h, `{"method":"jsonrpc.test","params":["this is a string"],"id":"q"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got, want := rec.Body.String(), `{"result":"this is a string","error":null,"id":"q"}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type %q", ct)
	}
}

func TestSite_11(t *testing.T) {
	h := serve(newTestSite(t))
	rec := post(t, h, map[string]any{
		"version": "1.1",
		"method":  "jsonrpc.test",
		"params":  []string{"this is a string"},
		"id":      "holy-mother-of-god",
	})
	resp := decodeObject(t, rec)
	if resp["id"] != "holy-mother-of-god" || resp["result"] != "this is a string" || resp["version"] != "1.1" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestSite_11_PositionalMixedArgs(t *testing.T) {
	h := serve(newTestSite(t))
	rec := post(t, h, map[string]any{
		"version": "1.1",
		"method":  "jsonrpc.strangeEcho",
		"params": map[string]string{
			"1": "this is a string", "2": "this is omg", "wtf": "pants", "nowai": "nopants",
		},
		"id": "toostrange",
	})
	resp := decodeObject(t, rec)
	want := []any{"this is a string", "this is omg", "pants", "nopants", "Default"}
	if diff := cmp.Diff(want, resp["result"]); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if resp["error"] != nil {
		t.Fatalf("unexpected error %v", resp["error"])
	}
}

func TestSite_11_ConflictingArgs(t *testing.T) {
	h := serve(newTestSite(t))
	rec := post(t, h, `{"version":"1.1","method":"jsonrpc.strangeEcho","params":{"1":"a","string":"b","2":"c","wtf":"d","nowai":"e"},"id":1}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
	resp := decodeObject(t, rec)
	e, _ := resp["error"].(map[string]any)
	if e == nil || e["code"] != float64(CodeInvalidParams) {
		t.Fatalf("expected invalid params, got %v", resp)
	}
}

func TestSite_20_KeywordAndPositional(t *testing.T) {
	h := serve(newTestSite(t))
	for _, params := range []any{
		map[string]string{"string": "this is a string"},
		[]string{"this is a string"},
	} {
		rec := post(t, h, map[string]any{"jsonrpc": "2.0", "method": "jsonrpc.test", "params": params, "id": 1})
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		resp := decodeObject(t, rec)
		if resp["result"] != "this is a string" {
			t.Fatalf("unexpected response %v", resp)
		}
		if _, ok := resp["error"]; ok {
			t.Fatalf("2.0 success carries an error key: %v", resp)
		}
	}
}

func TestSite_20_Notify(t *testing.T) {
	h := serve(newTestSite(t))
	rec := post(t, h, `{"jsonrpc":"2.0","method":"jsonrpc.notify","params":["this is a string"],"id":null}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("notification produced a body: %q", rec.Body.String())
	}
}

func TestSite_20_Batch(t *testing.T) {
	h := serve(newTestSite(t))
	var req []map[string]any
	for i := 0; i < 5; i++ {
		req = append(req, map[string]any{
			"jsonrpc": "2.0", "method": "jsonrpc.test", "params": []string{"this is a string"}, "id": fmt.Sprintf("id-%d", i),
		})
	}
	rec := post(t, h, req)
	var resp []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != len(req) {
		t.Fatalf("got %d responses, want %d", len(resp), len(req))
	}
	for i, r := range resp {
		if r["result"] != "this is a string" || r["id"] != req[i]["id"] {
			t.Errorf("response %d: %v", i, r)
		}
	}
}

func TestSite_20_BatchWithErrors(t *testing.T) {
	for _, conc := range []int{0, 3} {
		t.Run(fmt.Sprintf("concurrency=%d", conc), func(t *testing.T) {
			h := serve(newTestSite(t, WithConcurrency(conc)))
			var req []map[string]any
			for i := 0; i < 10; i++ {
				method := "jsonrpc.test"
				if i%2 == 1 {
					method = "jsonrpc.fails"
				}
				req = append(req, map[string]any{
					"jsonrpc": "2.0", "method": method, "params": []string{"this is a string"}, "id": fmt.Sprintf("id-%d", i),
				})
			}
			rec := post(t, h, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status %d", rec.Code)
			}
			var resp []map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp) != 10 {
				t.Fatalf("got %d responses", len(resp))
			}
			for i, r := range resp {
				if r["id"] != req[i]["id"] {
					t.Errorf("response %d has id %v", i, r["id"])
				}
				if i%2 == 0 {
					if r["result"] != "this is a string" {
						t.Errorf("response %d: %v", i, r)
					}
					continue
				}
				if _, ok := r["result"]; ok {
					t.Errorf("response %d carries a result alongside its error", i)
				}
				e, _ := r["error"].(map[string]any)
				if e == nil || e["code"] != float64(500) || e["message"] != "internal error" {
					t.Errorf("response %d: %v", i, r)
				}
			}
		})
	}
}

func TestSite_BatchOfNotifications(t *testing.T) {
	h := serve(newTestSite(t))
	rec := post(t, h, `[{"jsonrpc":"2.0","method":"jsonrpc.notify","params":["a"]},{"jsonrpc":"2.0","method":"jsonrpc.fails","params":["b"]}]`)
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Fatalf("got %d %q, want 204 and no body", rec.Code, rec.Body.String())
	}
}

func TestSite_InvalidNotificationsAreSilent(t *testing.T) {
	h := serve(newTestSite(t))
	for _, body := range []string{
		`{"jsonrpc":"2.0","method":"jsonrpc.test","params":5}`,
		`{"method":"jsonrpc.test","params":{"string":"x"}}`,
		`{"jsonrpc":"2.0","method":"no.such"}`,
		`[{"jsonrpc":"2.0","method":"jsonrpc.test","params":5},{"jsonrpc":"2.0","params":["x"]}]`,
	} {
		rec := post(t, h, body)
		if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
			t.Errorf("%s: got %d %q, want 204 and no body", body, rec.Code, rec.Body.String())
		}
	}

	// A non-object batch element has no id to go by and is answered.
	rec := post(t, h, `[{"jsonrpc":"2.0","method":"jsonrpc.notify","params":["a"]},42]`)
	var resp []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	if len(resp) != 1 || resp[0]["id"] != nil {
		t.Fatalf("unexpected response %v", resp)
	}
	e, _ := resp[0]["error"].(map[string]any)
	if e == nil || e["code"] != float64(CodeInvalidRequest) {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestSite_11_NonCanonicalIndexKey(t *testing.T) {
	h := serve(newTestSite(t))
	rec := post(t, h, `{"version":"1.1","method":"jsonrpc.test","params":{"1":"a","01":"b"},"id":1}`)
	resp := decodeObject(t, rec)
	e, _ := resp["error"].(map[string]any)
	if e == nil || e["code"] != float64(CodeInvalidParams) {
		t.Fatalf("expected invalid params, got %v", resp)
	}
}

func TestSite_RequestErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{"jsonrpc":"2.0",`, CodeParseError},
		{"empty batch", `[]`, CodeInvalidRequest},
		{"scalar", `17`, CodeInvalidRequest},
	}
	h := serve(newTestSite(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.body)
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status %d, want 500", rec.Code)
			}
			resp := decodeObject(t, rec)
			e, _ := resp["error"].(map[string]any)
			if e == nil || e["code"] != float64(tt.code) {
				t.Fatalf("unexpected response %v", resp)
			}
			if v, ok := resp["id"]; !ok || v != nil {
				t.Fatalf("id should be null, got %v", resp)
			}
		})
	}
}

func TestSite_MaxBatch(t *testing.T) {
	h := serve(newTestSite(t, WithMaxBatch(1)))
	rec := post(t, h, `[{"jsonrpc":"2.0","method":"jsonrpc.test","params":["a"],"id":1},{"jsonrpc":"2.0","method":"jsonrpc.test","params":["a"],"id":2}]`)
	resp := decodeObject(t, rec)
	e, _ := resp["error"].(map[string]any)
	if e == nil || e["code"] != float64(CodeInvalidRequest) {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestSite_MethodNotFound(t *testing.T) {
	h := serve(newTestSite(t))
	rec := post(t, h, `{"jsonrpc":"2.0","method":"no.such","id":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200 for 2.0", rec.Code)
	}
	resp := decodeObject(t, rec)
	e, _ := resp["error"].(map[string]any)
	if e == nil || e["code"] != float64(CodeMethodNotFound) || resp["id"] != float64(5) {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestSite_11_GET(t *testing.T) {
	h := serve(newTestSite(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/json/jsonrpc.safeEcho?string=this+is+a+string", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got, want := rec.Body.String(), `{"version":"1.1","result":"this is a string","error":null,"id":null}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/json/jsonrpc.safeEcho?1=positional", nil))
	if resp := decodeObject(t, rec); resp["result"] != "positional" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestSite_11_GET_Unsafe(t *testing.T) {
	h := serve(newTestSite(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/json/jsonrpc.test?string=x", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", rec.Code)
	}
	resp := decodeObject(t, rec)
	e, _ := resp["error"].(map[string]any)
	if e == nil || e["code"] != float64(CodeInvalidRequest) {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestSite_11_ServiceDescription(t *testing.T) {
	site := newTestSite(t, WithServiceURL("http://localhost/json/"))
	h := serve(site)
	rec := post(t, h, `{"version":"1.1","method":"system.describe","id":1}`)
	var resp struct {
		Result ServiceDescription `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sd := resp.Result
	if sd.SDVersion != "1.0" || sd.Name != "test" || sd.ID != site.ID() || sd.Address != "http://localhost/json/" {
		t.Fatalf("unexpected header %+v", sd)
	}
	var names []string
	for _, p := range sd.Procs {
		names = append(names, p.Name)
	}
	wantNames := []string{"jsonrpc.fails", "jsonrpc.notify", "jsonrpc.safeEcho", "jsonrpc.strangeEcho", "jsonrpc.test", "system.describe"}
	if diff := cmp.Diff(wantNames, names); diff != "" {
		t.Fatalf("procs mismatch (-want +got):\n%s", diff)
	}
	want := ProcDescription{
		Name:       "jsonrpc.safeEcho",
		Summary:    "Echo a string.",
		Idempotent: true,
		Params:     []ParamDescription{{Name: "string", Type: "str"}},
		Return:     "str",
	}
	if diff := cmp.Diff(want, sd.Procs[2]); diff != "" {
		t.Fatalf("safeEcho mismatch (-want +got):\n%s", diff)
	}
	if p := sd.Procs[3].Params[4]; p.Name != "yeswai" || !p.Optional || p.Type != "any" {
		t.Fatalf("unexpected yeswai description %+v", p)
	}

	// GET works too since the description is safe.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/json/system.describe", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET describe status %d", rec.Code)
	}
}

func TestSite_WithoutDescribe(t *testing.T) {
	site := NewSite(WithDescribe(false))
	if _, err := site.Registry().Resolve(DescribeMethod); err == nil {
		t.Fatal("system.describe registered despite WithDescribe(false)")
	}
}

func TestSite_HTTPErrors(t *testing.T) {
	h := serve(newTestSite(t))

	req := httptest.NewRequest(http.MethodPut, "/json/", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT status %d, want 405", rec.Code)
	}
}

func TestSite_AnyContentType(t *testing.T) {
	h := serve(newTestSite(t))
	body := `{"version":"1.1","method":"jsonrpc.test","params":["x"],"id":1}`
	for _, ct := range []string{"", "application/json", "application/x-www-form-urlencoded", "text/plain"} {
		req := httptest.NewRequest(http.MethodPost, "/json/", bytes.NewReader([]byte(body)))
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("Content-Type %q: status %d, want 200", ct, rec.Code)
			continue
		}
		if got, want := rec.Body.String(), `{"version":"1.1","result":"x","error":null,"id":1}`; got != want {
			t.Errorf("Content-Type %q: got %s, want %s", ct, got, want)
		}
	}
}

func TestSite_Handle(t *testing.T) {
	site := newTestSite(t)
	status, body := site.Handle(context.Background(), http.MethodGet, []byte(`{}`))
	if status != http.StatusMethodNotAllowed || body == nil {
		t.Fatalf("GET through Handle: %d %s", status, body)
	}
	status, body = site.Handle(context.Background(), http.MethodPost, []byte(`{"method":"jsonrpc.fails","params":["x"],"id":1}`))
	if status != http.StatusInternalServerError {
		t.Fatalf("1.0 failure status %d", status)
	}
	if want := `{"result":null,"error":{"code":500,"message":"internal error"},"id":1}`; string(body) != want {
		t.Fatalf("got %s, want %s", body, want)
	}
}

func TestSite_FreezesOnFirstRequest(t *testing.T) {
	site := newTestSite(t)
	site.Handle(context.Background(), http.MethodPost, []byte(`{"method":"jsonrpc.test","params":["x"],"id":1}`))
	err := site.Register(Method{Name: "late", Handler: echoFirst})
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
}

func TestSite_AuthenticatedMethod(t *testing.T) {
	user := ""
	site := newTestSite(t, WithAuthenticator(func(context.Context) (string, bool) { return user, user != "" }))
	site.MustRegister(Method{
		Name:          "private.echo",
		Params:        []Param{{Name: "s"}},
		Authenticated: true,
		Handler:       echoFirst,
	})
	h := serve(site)
	body := `{"jsonrpc":"2.0","method":"private.echo","params":["x"],"id":1}`

	resp := decodeObject(t, post(t, h, body))
	e, _ := resp["error"].(map[string]any)
	if e == nil || e["code"] != float64(CodeUnauthorized) {
		t.Fatalf("unexpected anonymous response %v", resp)
	}

	user = "alice"
	resp = decodeObject(t, post(t, h, body))
	if resp["result"] != "x" {
		t.Fatalf("unexpected authenticated response %v", resp)
	}
}

func TestSite_SharedMetricsRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewSite(WithMetrics(reg))
	b := NewSite(WithMetrics(reg))
	a.Handle(context.Background(), http.MethodPost, []byte(`{"jsonrpc":"2.0","method":"system.describe","id":1}`))
	b.Handle(context.Background(), http.MethodPost, []byte(`{"jsonrpc":"2.0","method":"system.describe","id":1}`))
	if a.dispatcher.Metrics.calls != b.dispatcher.Metrics.calls {
		t.Fatal("sites on one registry should share collectors")
	}
}

func TestSite_ConcurrentBatchSharesSession(t *testing.T) {
	site := newTestSite(t, WithConcurrency(4))
	site.MustRegister(Method{
		Name: "test.login",
		Handler: func(ctx context.Context, _ Args) (any, error) {
			sess, _ := middleware.SessionFromContext(ctx)
			return nil, sess.Login("alice")
		},
	})
	site.MustRegister(Method{
		Name: "test.whoami",
		Handler: func(ctx context.Context, _ Args) (any, error) {
			sess, _ := middleware.SessionFromContext(ctx)
			name, _ := sess.Username()
			return name, nil
		},
	})

	key := make([]byte, middleware.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	sessions, err := middleware.NewSessionProcessor("k", map[string][]byte{"k": key}, middleware.WithInsecureCookie())
	if err != nil {
		t.Fatalf("NewSessionProcessor: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/json/{method...}", endpoint.Handler(site.Endpoint, sessions))

	var req []map[string]any
	for i := 0; i < 20; i++ {
		method := "test.login"
		if i%2 == 1 {
			method = "test.whoami"
		}
		req = append(req, map[string]any{"jsonrpc": "2.0", "method": method, "id": i})
	}
	rec := post(t, mux, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 20 {
		t.Fatalf("got %d responses, want 20", len(resp))
	}
	for i, r := range resp {
		if _, failed := r["error"]; failed {
			t.Errorf("response %d: %v", i, r)
		}
	}
	if len(rec.Result().Cookies()) != 1 {
		t.Fatalf("want one session cookie, got %v", rec.Result().Cookies())
	}
}
