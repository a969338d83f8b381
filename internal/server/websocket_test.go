package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hookrelay/internal/relay"
)

func dialWS(t *testing.T, srv *httptest.Server, token string, params map[string]string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("token", token)
	for key, value := range params {
		q.Set(key, value)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + q.Encode()

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readTyped reads until a message of the wanted type arrives and decodes it
// into out.
func readTyped(t *testing.T, ws *websocket.Conn, wantType string, out any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s message: %v", wantType, err)
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if probe.Type != wantType {
			continue
		}
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s: %v", wantType, err)
		}
		return
	}
}

func registerMachine(t *testing.T, srv *httptest.Server, token, endpointID, name string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/endpoints/"+endpointID+"/machines", token,
		map[string]string{"name": name, "forwardUrl": "http://localhost:8080"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register machine: status %d", resp.StatusCode)
	}
	machine, _ := body["machine"].(map[string]any)
	id, _ := machine["id"].(string)
	if id == "" {
		t.Fatalf("missing machine id in %v", body)
	}
	return id
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	srv, _, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=bad&endpoint=" + id + "&role=viewer"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", resp)
	}
	resp.Body.Close()
}

func TestWebSocket_RejectsUnknownMachine(t *testing.T) {
	srv, _, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws?token=" + token + "&endpoint=" + id + "&role=machine&machineId=nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %v", resp)
	}
	resp.Body.Close()
}

func TestWebSocket_ViewerSeesPresenceTransitions(t *testing.T) {
	srv, st, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")
	machineID := registerMachine(t, srv, token, id, "box")

	viewer := dialWS(t, srv, token, map[string]string{"endpoint": id, "role": "viewer"})
	machine := dialWS(t, srv, token, map[string]string{"endpoint": id, "role": "machine", "machineId": machineID})

	var status relay.MachineStatusMessage
	readTyped(t, viewer, relay.TypeMachineStatus, &status)
	if status.MachineID != machineID || status.Status != relay.StatusOnline {
		t.Fatalf("unexpected online status %+v", status)
	}
	if status.MachineName != "box" {
		t.Fatalf("unexpected machine name %q", status.MachineName)
	}

	machine.Close()
	readTyped(t, viewer, relay.TypeMachineStatus, &status)
	if status.MachineID != machineID || status.Status != relay.StatusOffline {
		t.Fatalf("unexpected offline status %+v", status)
	}

	waitFor(t, func() bool {
		m, ok := st.GetMachine(id, machineID)
		return ok && !m.Online
	}, "machine record still online after disconnect")
}

func TestWebSocket_LateViewerGetsOnlineSnapshot(t *testing.T) {
	srv, st, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")
	machineID := registerMachine(t, srv, token, id, "box")

	dialWS(t, srv, token, map[string]string{"endpoint": id, "role": "machine", "machineId": machineID})
	waitFor(t, func() bool {
		m, ok := st.GetMachine(id, machineID)
		return ok && m.Online
	}, "machine never came online")

	viewer := dialWS(t, srv, token, map[string]string{"endpoint": id, "role": "viewer"})

	var status relay.MachineStatusMessage
	readTyped(t, viewer, relay.TypeMachineStatus, &status)
	if status.MachineID != machineID || status.Status != relay.StatusOnline {
		t.Fatalf("expected online snapshot, got %+v", status)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/endpoints/"+id+"/presence", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("presence: status %d", resp.StatusCode)
	}
	machines, _ := body["machines"].([]any)
	if len(machines) != 1 {
		t.Fatalf("expected 1 live machine, got %v", body)
	}
}

func TestWebSocket_MachineNameOverrideRenamesRecord(t *testing.T) {
	srv, st, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")
	machineID := registerMachine(t, srv, token, id, "box")

	viewer := dialWS(t, srv, token, map[string]string{"endpoint": id, "role": "viewer"})
	dialWS(t, srv, token, map[string]string{
		"endpoint": id, "role": "machine", "machineId": machineID, "machineName": "box-2",
	})

	var status relay.MachineStatusMessage
	readTyped(t, viewer, relay.TypeMachineStatus, &status)
	if status.MachineName != "box-2" {
		t.Fatalf("presence must carry the override, got %q", status.MachineName)
	}

	// the stored record and the broadcast agree on the name
	m, ok := st.GetMachine(id, machineID)
	if !ok || m.Name != "box-2" {
		t.Fatalf("record not renamed: %+v", m)
	}
	if m.ForwardURL != "http://localhost:8080" {
		t.Fatalf("rename must not clear the forward destination: %+v", m)
	}
}

func TestWebSocket_CaptureDeliveryRoundTrip(t *testing.T) {
	srv, _, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")
	machineID := registerMachine(t, srv, token, id, "box")

	viewer := dialWS(t, srv, token, map[string]string{"endpoint": id, "role": "viewer"})
	machine := dialWS(t, srv, token, map[string]string{"endpoint": id, "role": "machine", "machineId": machineID})

	// the online broadcast proves the machine socket is registered before we
	// capture
	var status relay.MachineStatusMessage
	readTyped(t, viewer, relay.TypeMachineStatus, &status)

	resp, captureBody := doJSON(t, http.MethodPost, srv.URL+"/hooks/orders?src=stripe", "",
		map[string]string{"order": "1234"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture: status %d", resp.StatusCode)
	}
	eventID, _ := captureBody["eventId"].(string)
	if delivered, _ := captureBody["delivered"].(float64); delivered != 1 {
		t.Fatalf("expected 1 delivery attempt, got %v", captureBody["delivered"])
	}

	var hook relay.WebhookMessage
	readTyped(t, machine, relay.TypeWebhook, &hook)
	if hook.EventID != eventID {
		t.Fatalf("event id mismatch: got %q, want %q", hook.EventID, eventID)
	}
	if hook.DeliveryID == "" {
		t.Fatalf("webhook message carries no delivery id")
	}
	if hook.Method != http.MethodPost || hook.Query["src"] != "stripe" {
		t.Fatalf("captured request not relayed faithfully: %+v", hook)
	}
	if !strings.Contains(hook.Body, "1234") {
		t.Fatalf("body not relayed: %q", hook.Body)
	}

	respStatus := http.StatusOK
	respBody := "ack"
	duration := int64(12)
	report := relay.DeliveryReport{
		Type:           relay.TypeDeliveryReport,
		EventID:        hook.EventID,
		DeliveryID:     hook.DeliveryID,
		Status:         "delivered",
		ResponseStatus: &respStatus,
		ResponseBody:   &respBody,
		Duration:       &duration,
	}
	if err := machine.WriteJSON(report); err != nil {
		t.Fatalf("write report: %v", err)
	}

	var result relay.DeliveryResultMessage
	readTyped(t, viewer, relay.TypeDeliveryResult, &result)
	if result.DeliveryID != hook.DeliveryID || result.EventID != eventID {
		t.Fatalf("result ids do not round trip: %+v", result)
	}
	if result.MachineID != machineID || result.MachineName != "box" {
		t.Fatalf("reporter identity missing: %+v", result)
	}
	if result.Status != "delivered" || result.ResponseStatus == nil || *result.ResponseStatus != http.StatusOK {
		t.Fatalf("unexpected result %+v", result)
	}

	// the durable record is written independently of the live relay
	waitFor(t, func() bool {
		_, body := doJSON(t, http.MethodGet,
			srv.URL+"/v1/endpoints/"+id+"/events/"+eventID+"/deliveries", token, nil)
		deliveries, _ := body["deliveries"].([]any)
		if len(deliveries) != 1 {
			return false
		}
		d, _ := deliveries[0].(map[string]any)
		return d["status"] == "delivered" && d["machineId"] == machineID
	}, "delivery record never marked delivered")
}

func TestWebSocket_ReportReachesOtherMachines(t *testing.T) {
	srv, _, token := newTestServer(t)
	id := createEndpoint(t, srv, token, "orders", "")
	firstID := registerMachine(t, srv, token, id, "box")
	secondID := registerMachine(t, srv, token, id, "box-2")

	viewer := dialWS(t, srv, token, map[string]string{"endpoint": id, "role": "viewer"})
	first := dialWS(t, srv, token, map[string]string{"endpoint": id, "role": "machine", "machineId": firstID})
	second := dialWS(t, srv, token, map[string]string{"endpoint": id, "role": "machine", "machineId": secondID})

	var status relay.MachineStatusMessage
	readTyped(t, viewer, relay.TypeMachineStatus, &status)
	readTyped(t, viewer, relay.TypeMachineStatus, &status)

	resp, captureBody := doJSON(t, http.MethodPost, srv.URL+"/hooks/orders", "", map[string]string{"a": "1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture: status %d", resp.StatusCode)
	}
	if delivered, _ := captureBody["delivered"].(float64); delivered != 2 {
		t.Fatalf("expected 2 delivery attempts, got %v", captureBody["delivered"])
	}

	var firstHook, secondHook relay.WebhookMessage
	readTyped(t, first, relay.TypeWebhook, &firstHook)
	readTyped(t, second, relay.TypeWebhook, &secondHook)
	if firstHook.DeliveryID == secondHook.DeliveryID {
		t.Fatalf("each machine must get its own delivery id")
	}

	report := relay.DeliveryReport{
		Type:       relay.TypeDeliveryReport,
		EventID:    firstHook.EventID,
		DeliveryID: firstHook.DeliveryID,
		Status:     "failed",
	}
	if err := first.WriteJSON(report); err != nil {
		t.Fatalf("write report: %v", err)
	}

	// the other machine observes the result but must never act on it
	var result relay.DeliveryResultMessage
	readTyped(t, second, relay.TypeDeliveryResult, &result)
	if result.MachineID != firstID || result.DeliveryID != firstHook.DeliveryID {
		t.Fatalf("unexpected result at second machine: %+v", result)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s", msg)
}
