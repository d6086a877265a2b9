package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signflow/audit"
	"signflow/auth"
	"signflow/bulk"
	"signflow/config"
	"signflow/expiration"
	"signflow/fields"
	"signflow/lifecycle"
	"signflow/notify"
	"signflow/signature"
	"signflow/signing"
)

var now = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type testAPI struct {
	srv    *httptest.Server
	tokens *auth.TokenService
	store  *signature.MemoryStore
}

func newTestAPI(t *testing.T, mutate func(*config.Config)) *testAPI {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := func() time.Time { return now }

	st := signature.NewMemoryStore()
	auditLog := audit.NewLogger(st, nil).WithClock(clock)
	notifier := notify.NewLogNotifier(nil)

	life := lifecycle.NewManager(st, auditLog, notifier, cfg, nil).WithClock(clock)
	exp := expiration.NewManager(st, auditLog, notifier, cfg, nil).WithClock(clock)
	svc := Services{
		Requests:   life,
		Signing:    signing.NewCoordinator(st, auditLog, notifier, nil, nil).WithClock(clock),
		Expiration: exp,
		Bulk:       bulk.NewCoordinator(st, life, exp, auditLog, notifier, cfg.Limits, nil).WithClock(clock),
		Fields:     fields.NewManager(st, auditLog, nil).WithClock(clock),
	}
	tokens := auth.NewTokenService("test-secret").WithClock(clock)
	server := NewServer(svc, tokens, cfg.RateLimit, nil).WithClock(clock)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testAPI{srv: ts, tokens: tokens, store: st}
}

func (a *testAPI) token(t *testing.T, actor signature.Actor) string {
	t.Helper()
	tok, err := a.tokens.Issue(actor)
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

var (
	alice = signature.Actor{UserID: "alice", Email: "alice@example.com"}
	bob   = signature.Actor{UserID: "bob", Email: "bob@example.com"}
)

func createBody(signers ...string) map[string]any {
	list := make([]map[string]any, len(signers))
	for i, e := range signers {
		list[i] = map[string]any{"email": e}
	}
	return map[string]any{"document_ref": "doc-1", "title": "Lease", "signers": list}
}

func TestHealthNeedsNoToken(t *testing.T) {
	api := newTestAPI(t, nil)
	resp, err := http.Get(api.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
}

func TestAuthentication(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, env := api.do(t, http.MethodGet, "/api/v1/requests", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "AUTHORIZATION_ERROR", env.Error.Code)

	resp, _ = api.do(t, http.MethodGet, "/api/v1/requests", "garbage", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, env = api.do(t, http.MethodGet, "/api/v1/requests", api.token(t, alice), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t, nil)
	aliceTok := api.token(t, alice)

	resp, env := api.do(t, http.MethodPost, "/api/v1/requests", aliceTok, createBody("bob@example.com"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var detail lifecycle.Detail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	require.Len(t, detail.Signers, 1)
	id := detail.Request.ID

	resp, _ = api.do(t, http.MethodGet, "/api/v1/requests/"+id, api.token(t, signature.Actor{UserID: "mallory"}), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, env = api.do(t, http.MethodGet, "/api/v1/requests?status=initiated,in_progress", aliceTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page lifecycle.Page[signature.Request]
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Total)

	resp, env = api.do(t, http.MethodGet, "/api/v1/requests?status=archived", aliceTok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	fieldsBody := map[string]any{"fields": []map[string]any{{
		"page": 1, "x": 10, "y": 10, "width": 30, "height": 5,
		"type": "signature", "required": true, "signer_id": detail.Signers[0].ID,
	}}}
	resp, _ = api.do(t, http.MethodPut, "/api/v1/requests/"+id+"/fields", aliceTok, fieldsBody)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bobTok := api.token(t, bob)
	resp, env = api.do(t, http.MethodGet, "/api/v1/requests/"+id+"/signers/"+detail.Signers[0].ID+"/permission", bobTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"allowed":true}`, string(env.Data))

	resp, env = api.do(t, http.MethodPost, "/api/v1/requests/"+id+"/signers/"+detail.Signers[0].ID+"/sign", bobTok, map[string]any{
		"signature_data":   "Bob",
		"signature_method": "typed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%+v", env.Error)
	var out signing.SignOutcome
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.True(t, out.Completed)
	assert.Equal(t, signature.RequestCompleted, out.Request.Status)

	resp, env = api.do(t, http.MethodPost, "/api/v1/requests/"+id+"/cancel", aliceTok, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", env.Error.Code)
}

func TestSignerStatusAndDecline(t *testing.T) {
	api := newTestAPI(t, nil)
	aliceTok := api.token(t, alice)
	_, env := api.do(t, http.MethodPost, "/api/v1/requests", aliceTok, createBody("bob@example.com", "carol@example.com"))
	var detail lifecycle.Detail
	require.NoError(t, json.Unmarshal(env.Data, &detail))

	sid := detail.Signers[0].ID
	resp, env := api.do(t, http.MethodPost, "/api/v1/signers/"+sid+"/status", api.token(t, bob), map[string]any{
		"status":         "declined",
		"decline_reason": "wrong terms",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var signer signature.Signer
	require.NoError(t, json.Unmarshal(env.Data, &signer))
	assert.Equal(t, signature.SignerDeclined, signer.Status)
	assert.Equal(t, "wrong terms", signer.DeclineReason)

	resp, _ = api.do(t, http.MethodPost, "/api/v1/signers/"+detail.Signers[1].ID+"/status", api.token(t, bob), map[string]any{"status": "viewed"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSignerCannotCancelItself(t *testing.T) {
	api := newTestAPI(t, nil)
	_, env := api.do(t, http.MethodPost, "/api/v1/requests", api.token(t, alice), createBody("bob@example.com", "carol@example.com"))
	var detail lifecycle.Detail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	id := detail.Request.ID

	for _, status := range []string{"cancelled", "expired"} {
		resp, env := api.do(t, http.MethodPost, "/api/v1/signers/"+detail.Signers[1].ID+"/status", api.token(t, signature.Actor{Email: "carol@example.com"}), map[string]any{"status": status})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, status)
		require.NotNil(t, env.Error)
		assert.Equal(t, "AUTHORIZATION_ERROR", env.Error.Code)
	}

	resp, env := api.do(t, http.MethodPost, "/api/v1/requests/"+id+"/signers/"+detail.Signers[0].ID+"/sign", api.token(t, bob), map[string]any{
		"signature_data": "Bob", "signature_method": "typed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%+v", env.Error)
	resp, env = api.do(t, http.MethodPost, "/api/v1/requests/"+id+"/signers/"+detail.Signers[1].ID+"/sign", api.token(t, signature.Actor{Email: "carol@example.com"}), map[string]any{
		"signature_data": "Carol", "signature_method": "typed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%+v", env.Error)
	var out signing.SignOutcome
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, signature.RequestCompleted, out.Request.Status)
}

func TestSigningPermissionNeedsAccess(t *testing.T) {
	api := newTestAPI(t, nil)
	_, env := api.do(t, http.MethodPost, "/api/v1/requests", api.token(t, alice), createBody("bob@example.com"))
	var detail lifecycle.Detail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	path := "/api/v1/requests/" + detail.Request.ID + "/signers/" + detail.Signers[0].ID + "/permission"

	resp, env := api.do(t, http.MethodGet, path, api.token(t, signature.Actor{UserID: "mallory", Email: "mallory@example.com"}), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "AUTHORIZATION_ERROR", env.Error.Code)

	resp, _ = api.do(t, http.MethodGet, path, api.token(t, alice), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMalformedBody(t *testing.T) {
	api := newTestAPI(t, nil)
	body := createBody("bob@example.com")
	body["unexpected"] = true
	resp, env := api.do(t, http.MethodPost, "/api/v1/requests", api.token(t, alice), body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestExtendAndBulk(t *testing.T) {
	api := newTestAPI(t, nil)
	aliceTok := api.token(t, alice)

	var ids []string
	for i := 0; i < 2; i++ {
		_, env := api.do(t, http.MethodPost, "/api/v1/requests", aliceTok, createBody("bob@example.com"))
		var detail lifecycle.Detail
		require.NoError(t, json.Unmarshal(env.Data, &detail))
		ids = append(ids, detail.Request.ID)
	}

	resp, env := api.do(t, http.MethodPost, "/api/v1/requests/"+ids[0]+"/extend", aliceTok, map[string]any{"days": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var extended signature.Request
	require.NoError(t, json.Unmarshal(env.Data, &extended))
	assert.Equal(t, now.AddDate(0, 0, 35), extended.ExpiresAt.UTC())

	resp, env = api.do(t, http.MethodPost, "/api/v1/bulk", api.token(t, bob), map[string]any{"operation": "cancel", "ids": ids})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.EqualValues(t, 2, env.Error.Details["unauthorized_count"])

	resp, env = api.do(t, http.MethodPost, "/api/v1/bulk", aliceTok, map[string]any{"operation": "cancel", "ids": ids})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res bulk.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 2, res.Successful)

	resp, _ = api.do(t, http.MethodDelete, "/api/v1/requests/"+ids[0], aliceTok, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	api := newTestAPI(t, func(c *config.Config) {
		c.RateLimit = config.RateLimitConfig{Window: time.Minute, Requests: 1, Burst: 1}
	})
	aliceTok := api.token(t, alice)

	resp, _ := api.do(t, http.MethodGet, "/api/v1/requests", aliceTok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := api.do(t, http.MethodGet, "/api/v1/requests", aliceTok, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.EqualValues(t, 60, env.Error.Details["retry_after"])

	resp, _ = api.do(t, http.MethodGet, "/api/v1/requests", api.token(t, bob), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "buckets are per caller")
}

func TestLimiterPrune(t *testing.T) {
	l := newLimiter(config.RateLimitConfig{Window: time.Minute, Requests: 10, Burst: 1})
	current := now
	l.now = func() time.Time { return current }

	l.allow("a")
	current = current.Add(time.Hour)
	l.allow("b")

	assert.Equal(t, 1, l.prune(30*time.Minute))
	_, ok := l.buckets["b"]
	assert.True(t, ok)
}
