package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hookrelay/internal/relay"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

const maxForwardResponseBody = 64 * 1024

// Config describes one relay connection. Machines carry a forward
// destination; viewers only observe.
type Config struct {
	ServerURL   string // ws:// or wss:// base
	Token       string
	EndpointID  string
	Role        relay.Role
	MachineID   string
	MachineName string
	ForwardURL  string

	Log        *zap.Logger
	Dialer     *websocket.Dialer
	HTTPClient *http.Client

	// observation hooks; a delivery-result seen here never triggers a
	// second forward
	OnResult func(relay.DeliveryResultMessage)
	OnStatus func(relay.MachineStatusMessage)
}

// Manager keeps one socket to the relay open, forwarding webhook messages to
// the local destination and reporting the outcome. It reconnects on failure
// with exponential backoff: 1s doubling to a 30s cap, reset on connect.
type Manager struct {
	cfg   Config
	log   *zap.Logger
	state atomic.Int32
}

func New(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{cfg: cfg, log: cfg.Log}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// reconnectSchedule is the dial retry policy: 1s doubling per consecutive
// failure to a 30s cap, no jitter, reset once a connection is established.
func reconnectSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}

// Run connects and serves until ctx is cancelled. Cancellation also cancels
// any pending scheduled reconnect, so no attempt fires after shutdown.
func (m *Manager) Run(ctx context.Context) error {
	b := reconnectSchedule()

	for {
		m.setState(StateConnecting)
		ws, err := m.dial(ctx)
		if err != nil {
			m.log.Warn("connect failed", zap.Error(err))
		} else {
			b.Reset()
			m.setState(StateConnected)
			m.log.Info("connected", zap.String("endpoint", m.cfg.EndpointID))
			m.serve(ctx, ws)
			m.log.Info("disconnected", zap.String("endpoint", m.cfg.EndpointID))
		}
		m.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := m.socketURL()
	if err != nil {
		return nil, err
	}
	ws, resp, err := m.cfg.Dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

func (m *Manager) socketURL() (string, error) {
	u, err := url.Parse(m.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	q := u.Query()
	q.Set("token", m.cfg.Token)
	q.Set("endpoint", m.cfg.EndpointID)
	q.Set("role", string(m.cfg.Role))
	if m.cfg.Role == relay.RoleMachine {
		q.Set("machineId", m.cfg.MachineID)
		q.Set("machineName", m.cfg.MachineName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) serve(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()

	ws.SetReadLimit(1024 * 1024)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		// each webhook is forwarded and reported before the next inbound
		// message is read
		m.handleMessage(ws, data)
	}
}

func (m *Manager) handleMessage(ws *websocket.Conn, data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	switch probe.Type {
	case relay.TypeWebhook:
		var msg relay.WebhookMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if m.cfg.Role != relay.RoleMachine {
			return
		}
		rep := m.forward(msg)
		if err := ws.WriteJSON(rep); err != nil {
			m.log.Warn("report write failed", zap.String("deliveryId", msg.DeliveryID), zap.Error(err))
		}
	case relay.TypeDeliveryResult:
		var msg relay.DeliveryResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if m.cfg.OnResult != nil {
			m.cfg.OnResult(msg)
		}
	case relay.TypeMachineStatus:
		var msg relay.MachineStatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if m.cfg.OnStatus != nil {
			m.cfg.OnStatus(msg)
		}
	}
}

// forward replays the captured request against the local destination and
// builds the delivery report for it.
func (m *Manager) forward(msg relay.WebhookMessage) relay.DeliveryReport {
	rep := relay.DeliveryReport{
		Type:       relay.TypeDeliveryReport,
		EventID:    msg.EventID,
		DeliveryID: msg.DeliveryID,
	}

	start := time.Now()
	resp, err := m.doForward(msg)
	duration := time.Since(start).Milliseconds()
	rep.Duration = &duration

	if err != nil {
		errMsg := err.Error()
		rep.Status = "failed"
		rep.Error = &errMsg
		m.log.Warn("forward failed", zap.String("deliveryId", msg.DeliveryID), zap.Error(err))
		return rep
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxForwardResponseBody))
	bodyStr := string(body)
	status := resp.StatusCode
	rep.ResponseStatus = &status
	rep.ResponseBody = &bodyStr
	if status >= 200 && status < 300 {
		rep.Status = "delivered"
	} else {
		rep.Status = "failed"
	}
	return rep
}

func (m *Manager) doForward(msg relay.WebhookMessage) (*http.Response, error) {
	u, err := url.Parse(m.cfg.ForwardURL)
	if err != nil {
		return nil, err
	}
	if len(msg.Query) > 0 {
		q := u.Query()
		for name, value := range msg.Query {
			q.Set(name, value)
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequest(msg.Method, u.String(), strings.NewReader(msg.Body))
	if err != nil {
		return nil, err
	}
	for name, value := range msg.Headers {
		if strings.EqualFold(name, "Host") || strings.EqualFold(name, "Content-Length") {
			continue
		}
		req.Header.Set(name, value)
	}
	if msg.ContentType != "" {
		req.Header.Set("Content-Type", msg.ContentType)
	}
	return m.cfg.HTTPClient.Do(req)
}
