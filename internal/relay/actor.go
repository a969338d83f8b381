package relay

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"hookrelay/internal/metrics"
)

// Actor owns the connection registry of a single endpoint. Every operation
// serializes on the actor mutex, so registry mutation, fan-out, correlation
// and presence logic for one endpoint never interleave; different endpoints'
// actors run independently.
type Actor struct {
	endpointID string
	log        *zap.Logger

	mu  sync.Mutex
	reg *registry
}

// MachineInfo is the live-presence view exposed to the capture collaborator
// and dashboards.
type MachineInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newActor(endpointID string, log *zap.Logger) *Actor {
	return &Actor{
		endpointID: endpointID,
		log:        log.With(zap.String("endpoint", endpointID)),
		reg:        newRegistry(),
	}
}

// join registers the connection and emits presence: an "online" broadcast to
// viewers for a new machine, or a synthetic online snapshot sent only to a
// newly joined viewer so late joiners never miss presence state.
func (a *Actor) join(c *Conn, meta Meta) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reg.add(c, meta)
	metrics.ConnectionsOpen.WithLabelValues(string(meta.Role)).Inc()

	switch meta.Role {
	case RoleMachine:
		a.broadcastStatus(meta, StatusOnline)
		a.log.Info("machine connected",
			zap.String("machineId", meta.MachineID),
			zap.String("machineName", meta.MachineName),
		)
	case RoleViewer:
		for _, m := range a.reg.machines() {
			a.send(c, MachineStatusMessage{
				Type:        TypeMachineStatus,
				MachineID:   m.meta.MachineID,
				MachineName: m.meta.MachineName,
				Status:      StatusOnline,
			})
		}
		a.log.Debug("viewer connected", zap.String("userId", meta.UserID))
	}
}

// leave removes the connection and, when it was a registered machine at
// removal time, broadcasts offline to viewers. Removal idempotence makes this
// safe when close and error both fire for one socket.
func (a *Actor) leave(c *Conn) (Meta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	meta, ok := a.reg.remove(c)
	if !ok {
		return Meta{}, false
	}
	metrics.ConnectionsOpen.WithLabelValues(string(meta.Role)).Dec()

	if meta.Role == RoleMachine {
		a.broadcastStatus(meta, StatusOffline)
		a.log.Info("machine disconnected", zap.String("machineId", meta.MachineID))
	}
	return meta, true
}

// Broadcast fans a captured event out to every connected machine that has a
// delivery id in the map. Machines absent from the map get nothing for this
// event; no retroactive delivery is attempted. Returns the number of machines
// the fan-out attempted.
func (a *Actor) Broadcast(ev EventPayload, deliveries map[string]string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	attempted := 0
	for _, m := range a.reg.machines() {
		deliveryID, ok := deliveries[m.meta.MachineID]
		if !ok {
			continue
		}
		attempted++
		sent := a.send(m.conn, WebhookMessage{
			Type:        TypeWebhook,
			EventID:     ev.EventID,
			DeliveryID:  deliveryID,
			Method:      ev.Method,
			Headers:     ev.Headers,
			Body:        ev.Body,
			Query:       ev.Query,
			ContentType: ev.ContentType,
			SourceIP:    ev.SourceIP,
			CreatedAt:   ev.CreatedAt,
		})
		if sent {
			metrics.WebhookSends.WithLabelValues("sent").Inc()
		} else {
			metrics.WebhookSends.WithLabelValues("failed").Inc()
		}
	}
	return attempted
}

// Report relays a delivery report from a machine socket: the reporter's
// identity is attached and the result goes to all viewers and to every other
// machine. The actor does not validate the ids against the durable store; a
// report racing the store write is expected, not an error.
func (a *Actor) Report(from *Conn, rep DeliveryReport) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	meta, ok := a.reg.lookup(from)
	if !ok || meta.Role != RoleMachine {
		return false
	}

	out := DeliveryResultMessage{
		Type:           TypeDeliveryResult,
		EventID:        rep.EventID,
		DeliveryID:     rep.DeliveryID,
		MachineID:      meta.MachineID,
		MachineName:    meta.MachineName,
		Status:         rep.Status,
		ResponseStatus: rep.ResponseStatus,
		ResponseBody:   rep.ResponseBody,
		Error:          rep.Error,
		Duration:       rep.Duration,
	}
	for _, v := range a.reg.viewers() {
		a.send(v.conn, out)
	}
	for _, m := range a.reg.machines() {
		if m.conn == from {
			continue
		}
		a.send(m.conn, out)
	}
	metrics.DeliveryResults.WithLabelValues(rep.Status).Inc()
	return true
}

// Machines returns the ids and names of currently connected machines.
func (a *Actor) Machines() []MachineInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.reg.machines()
	result := make([]MachineInfo, 0, len(entries))
	for _, m := range entries {
		result = append(result, MachineInfo{ID: m.meta.MachineID, Name: m.meta.MachineName})
	}
	return result
}

func (a *Actor) empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg.size() == 0
}

// broadcastStatus sends a presence transition to all viewers. Caller holds mu.
func (a *Actor) broadcastStatus(meta Meta, status string) {
	msg := MachineStatusMessage{
		Type:        TypeMachineStatus,
		MachineID:   meta.MachineID,
		MachineName: meta.MachineName,
		Status:      status,
	}
	for _, v := range a.reg.viewers() {
		a.send(v.conn, msg)
	}
	metrics.PresenceTransitions.WithLabelValues(status).Inc()
}

// send is best effort: a failed write is swallowed and the dead socket is
// left for close/error cleanup rather than removed mid-broadcast.
func (a *Actor) send(c *Conn, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		a.log.Error("marshal outbound message", zap.Error(err))
		return false
	}
	if err := c.writer.Write(data); err != nil {
		a.log.Debug("socket write failed", zap.Error(err))
		return false
	}
	return true
}
