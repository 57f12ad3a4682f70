package gatewayapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/connstore/memory"
	"github.com/sessioncast/sessioncast/delivery/channeltest"
	"github.com/sessioncast/sessioncast/fanout"
	"github.com/sessioncast/sessioncast/internal/jwtauth"
	"github.com/sessioncast/sessioncast/registry"
)

type fixture struct {
	handler *Handler
	reg     *registry.Registry
	channel *channeltest.Channel
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := registry.New(memory.New())
	ch := channeltest.New()
	pub := fanout.New(reg, ch)
	h, err := New(reg, pub, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{handler: h, reg: reg, channel: ch}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("response body is not JSON: %v (%s)", err, rec.Body.String())
	}
}

func TestConnectFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/connections", map[string]string{"connectionId": "c1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("connect status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != "connected" || resp["connectionId"] != "c1" {
		t.Fatalf("connect response = %v", resp)
	}
}

func TestConnectMissingID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/connections", map[string]string{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("connect without id status = %d", rec.Code)
	}
}

func TestConnectDuplicate(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/connections", map[string]string{"connectionId": "c1"}, nil)
	f.do(t, http.MethodPost, "/connections/c1/subscription", map[string]string{"sessionId": "abc1234567"}, nil)

	rec := f.do(t, http.MethodPost, "/connections", map[string]string{"connectionId": "c1"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate connect status = %d, want 409", rec.Code)
	}
}

func TestSubscribeFlow(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/connections", map[string]string{"connectionId": "c1"}, nil)

	rec := f.do(t, http.MethodPost, "/connections/c1/subscription",
		map[string]string{"sessionId": "abc1234567", "userId": "u1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("subscribe status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != "subscribed" || resp["sessionId"] != "abc1234567" {
		t.Fatalf("subscribe response = %v", resp)
	}
}

func TestSubscribeInvalidSessionID(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/connections", map[string]string{"connectionId": "c1"}, nil)

	rec := f.do(t, http.MethodPost, "/connections/c1/subscription",
		map[string]string{"sessionId": "NOT VALID"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid session id status = %d, want 400", rec.Code)
	}
}

func TestSubscribeUnknownConnection(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/connections/ghost/subscription",
		map[string]string{"sessionId": "abc1234567"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("subscribe unknown connection status = %d, want 404", rec.Code)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/connections", map[string]string{"connectionId": "c1"}, nil)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodDelete, "/connections/c1", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("disconnect #%d status = %d", i+1, rec.Code)
		}
		var resp map[string]string
		decodeBody(t, rec, &resp)
		if resp["status"] != "disconnected" {
			t.Fatalf("disconnect response = %v", resp)
		}
	}
}

func TestPublishFlow(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/connections", map[string]string{"connectionId": "c1"}, nil)
	f.do(t, http.MethodPost, "/connections/c1/subscription",
		map[string]string{"sessionId": "abc1234567", "userId": "u1"}, nil)

	rec := f.do(t, http.MethodPost, "/messages", map[string]any{
		"sessionId": "abc1234567",
		"payload":   json.RawMessage(`"hello"`),
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish status = %d, body %s", rec.Code, rec.Body.String())
	}

	var report sessioncast.DeliveryReport
	decodeBody(t, rec, &report)
	if report.Delivered != 1 || report.Reaped != 0 || report.TransientFailures != 0 {
		t.Fatalf("report = %+v, want delivered=1", report)
	}
	if f.channel.SendsTo("c1") != 1 {
		t.Fatal("payload never reached the delivery channel")
	}
}

func TestPublishMissingSessionID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/messages", map[string]any{
		"payload": json.RawMessage(`"hello"`),
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("publish without session id status = %d, want 400", rec.Code)
	}
}

func TestPublishToEmptySessionSucceeds(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/messages", map[string]any{
		"sessionId": "abc1234567",
		"payload":   json.RawMessage(`"hello"`),
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish to empty session status = %d, want 200", rec.Code)
	}
	var report sessioncast.DeliveryReport
	decodeBody(t, rec, &report)
	if report != (sessioncast.DeliveryReport{}) {
		t.Fatalf("report = %+v, want all zero", report)
	}
}

func TestRejectsNonJSONBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/connections", bytes.NewBufferString("connectionId=c1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("non-JSON body status = %d, want 415", rec.Code)
	}
}

func TestRejectsMalformedJSON(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/connections", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON status = %d, want 400", rec.Code)
	}
}

func TestBearerTokenSubjectBecomesUserID(t *testing.T) {
	secret := []byte("gateway-test-secret")
	auth, err := jwtauth.NewHMAC(jwtauth.Config{Issuer: "https://issuer.test"}, secret)
	if err != nil {
		t.Fatalf("NewHMAC: %v", err)
	}
	f := newFixture(t, WithAuthenticator(auth))

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "https://issuer.test",
		"sub": "token-user",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	authHeader := http.Header{"Authorization": []string{fmt.Sprintf("Bearer %s", tok)}}

	f.do(t, http.MethodPost, "/connections", map[string]string{"connectionId": "c1"}, nil)
	rec := f.do(t, http.MethodPost, "/connections/c1/subscription",
		map[string]string{"sessionId": "abc1234567", "userId": "spoofed"}, authHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("subscribe status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The validated subject must win over the client-supplied user id.
	got, err := f.reg.Resolve(t.Context(), "abc1234567", "token-user")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 {
		t.Fatal("connection not registered under the token subject")
	}
}

func TestInvalidBearerTokenRejected(t *testing.T) {
	auth, err := jwtauth.NewHMAC(jwtauth.Config{Issuer: "https://issuer.test"}, []byte("secret-a"))
	if err != nil {
		t.Fatalf("NewHMAC: %v", err)
	}
	f := newFixture(t, WithAuthenticator(auth))

	f.do(t, http.MethodPost, "/connections", map[string]string{"connectionId": "c1"}, nil)
	rec := f.do(t, http.MethodPost, "/connections/c1/subscription",
		map[string]string{"sessionId": "abc1234567"},
		http.Header{"Authorization": []string{"Bearer bogus"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token status = %d, want 401", rec.Code)
	}
}
