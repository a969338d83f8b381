package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"hookrelay/internal/auth"
	"hookrelay/internal/store"
)

var testTokenConfig = auth.TokenConfig{Secret: "test-secret", Expiry: time.Hour, Issuer: "test"}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.New()
	srv := httptest.NewServer(NewRouter(Deps{Store: st, TokenConfig: testTokenConfig}))
	t.Cleanup(srv.Close)

	token, err := auth.CreateToken("user-1", testTokenConfig)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return srv, st, token
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func createEndpoint(t *testing.T, srv *httptest.Server, token, slug, secret string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/endpoints", token,
		map[string]string{"slug": slug, "signingSecret": secret})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create endpoint: status %d", resp.StatusCode)
	}
	ep, _ := body["endpoint"].(map[string]any)
	id, _ := ep["id"].(string)
	if id == "" {
		t.Fatalf("missing endpoint id in %v", body)
	}
	return id
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ok, _ := body["ok"].(bool); !ok {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestEndpoints_CreateAndList(t *testing.T) {
	srv, _, token := newTestServer(t)

	id := createEndpoint(t, srv, token, "orders", "")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/endpoints", token, map[string]string{"slug": "orders"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate slug, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/endpoints", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	endpoints, _ := body["endpoints"].([]any)
	if len(endpoints) != 1 {
		t.Fatalf("expected 1 endpoint, got %v", body)
	}
	got, _ := endpoints[0].(map[string]any)
	if got["id"] != id || got["slug"] != "orders" {
		t.Fatalf("unexpected endpoint %v", got)
	}
}

func TestEndpoints_RequireAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/endpoints", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestEndpoints_OwnershipEnforced(t *testing.T) {
	srv, _, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")

	other, err := auth.CreateToken("user-2", testTokenConfig)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/endpoints/"+id+"/events", other, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign endpoint, got %d", resp.StatusCode)
	}
}

func TestMachines_RegisterAndUpdate(t *testing.T) {
	srv, _, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/endpoints/"+id+"/machines", token,
		map[string]string{"name": "box", "forwardUrl": "http://localhost:8080"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d", resp.StatusCode)
	}
	machine, _ := body["machine"].(map[string]any)
	machineID, _ := machine["id"].(string)
	if machineID == "" {
		t.Fatalf("missing machine id in %v", body)
	}
	if online, _ := machine["online"].(bool); online {
		t.Fatalf("fresh machine must start offline")
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/endpoints/"+id+"/machines", token,
		map[string]string{"id": machineID, "name": "box", "forwardUrl": "http://localhost:9090"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d", resp.StatusCode)
	}
	machine, _ = body["machine"].(map[string]any)
	if machine["forwardUrl"] != "http://localhost:9090" {
		t.Fatalf("forward destination not updated: %v", machine)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/endpoints/"+id+"/machines", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	machines, _ := body["machines"].([]any)
	if len(machines) != 1 {
		t.Fatalf("expected 1 machine, got %v", body)
	}
}

func TestCapture_UnknownSlug(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/hooks/nope", "", map[string]string{"a": "1"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCapture_NoMachinesStillStores(t *testing.T) {
	srv, _, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/hooks/orders?src=stripe", "",
		map[string]string{"order": "1234"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	eventID, _ := body["eventId"].(string)
	if eventID == "" {
		t.Fatalf("missing eventId in %v", body)
	}
	if delivered, _ := body["delivered"].(float64); delivered != 0 {
		t.Fatalf("expected 0 deliveries, got %v", body["delivered"])
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/endpoints/"+id+"/events", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	events, _ := body["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", body)
	}
	ev, _ := events[0].(map[string]any)
	if ev["id"] != eventID || ev["method"] != http.MethodPost {
		t.Fatalf("unexpected event %v", ev)
	}
	query, _ := ev["query"].(map[string]any)
	if query["src"] != "stripe" {
		t.Fatalf("query string not captured: %v", ev)
	}
}

func TestCapture_SignatureEnforced(t *testing.T) {
	srv, _, token := newTestServer(t)
	createEndpoint(t, srv, token, "orders", "sekrit")

	payload := []byte(`{"order":"1234"}`)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/hooks/orders", bytes.NewReader(payload))
	req.Header.Set("X-Hook-Signature", "sha256=deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/hooks/orders", bytes.NewReader(payload))
	req.Header.Set("X-Hook-Signature", auth.SignPayload("sekrit", payload))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for valid signature, got %d", resp.StatusCode)
	}
}

func TestCapture_PayloadTooLarge(t *testing.T) {
	srv, _, token := newTestServer(t)
	createEndpoint(t, srv, token, "orders", "")

	big := strings.NewReader(strings.Repeat("x", 1024*1024+1))
	resp, err := http.Post(srv.URL+"/hooks/orders", "text/plain", big)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestEvents_CursorPagination(t *testing.T) {
	srv, _, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")

	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/hooks/orders", "", map[string]int{"n": i})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("capture %d: status %d", i, resp.StatusCode)
		}
	}

	resp, body := doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/endpoints/%s/events?after=1", srv.URL, id), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	events, _ := body["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("expected 2 events after cursor, got %d", len(events))
	}
	first, _ := events[0].(map[string]any)
	if seq, _ := first["seq"].(float64); seq != 2 {
		t.Fatalf("expected seq 2 first, got %v", first["seq"])
	}
}

func TestPresence_EmptyWithoutSockets(t *testing.T) {
	srv, _, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/endpoints/"+id+"/presence", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	machines, ok := body["machines"].([]any)
	if !ok || len(machines) != 0 {
		t.Fatalf("expected empty machine list, got %v", body)
	}
}
