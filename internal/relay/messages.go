package relay

// Wire message types exchanged over a relay socket.
const (
	TypeWebhook        = "webhook"
	TypeDeliveryResult = "delivery-result"
	TypeMachineStatus  = "machine-status"
	TypeDeliveryReport = "delivery-report"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// EventPayload is a captured webhook handed to Broadcast by the capture
// collaborator. The collaborator has already created one Delivery record per
// targeted machine; the actor only correlates, it never mints delivery ids.
type EventPayload struct {
	EventID     string
	Method      string
	Headers     map[string]string
	Body        string
	Query       map[string]string
	ContentType string
	SourceIP    string
	CreatedAt   int64
}

// WebhookMessage is sent to a machine socket during fan-out.
type WebhookMessage struct {
	Type        string            `json:"type"`
	EventID     string            `json:"eventId"`
	DeliveryID  string            `json:"deliveryId"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	Query       map[string]string `json:"query"`
	ContentType string            `json:"contentType"`
	SourceIP    string            `json:"sourceIp"`
	CreatedAt   int64             `json:"createdAt"`
}

// DeliveryReport is what a machine sends back after forwarding a webhook to
// its local destination.
type DeliveryReport struct {
	Type           string  `json:"type"`
	EventID        string  `json:"eventId"`
	DeliveryID     string  `json:"deliveryId"`
	Status         string  `json:"status"`
	ResponseStatus *int    `json:"responseStatus,omitempty"`
	ResponseBody   *string `json:"responseBody,omitempty"`
	Error          *string `json:"error,omitempty"`
	Duration       *int64  `json:"duration,omitempty"`
}

// DeliveryResultMessage is the report rebroadcast to viewers and to the other
// machines, with the reporter's identity attached.
type DeliveryResultMessage struct {
	Type           string  `json:"type"`
	EventID        string  `json:"eventId"`
	DeliveryID     string  `json:"deliveryId"`
	MachineID      string  `json:"machineId"`
	MachineName    string  `json:"machineName"`
	Status         string  `json:"status"`
	ResponseStatus *int    `json:"responseStatus,omitempty"`
	ResponseBody   *string `json:"responseBody,omitempty"`
	Error          *string `json:"error,omitempty"`
	Duration       *int64  `json:"duration,omitempty"`
}

// MachineStatusMessage is the presence update sent to viewers.
type MachineStatusMessage struct {
	Type        string `json:"type"`
	MachineID   string `json:"machineId"`
	MachineName string `json:"machineName"`
	Status      string `json:"status"`
}
