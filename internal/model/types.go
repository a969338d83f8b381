package model

type Endpoint struct {
	ID            string
	UserID        string
	Slug          string
	SigningSecret string
	CreatedAt     int64
	UpdatedAt     int64
}

type Machine struct {
	ID         string
	EndpointID string
	Name       string
	ForwardURL string
	Online     bool
	LastSeenAt int64
	CreatedAt  int64
	UpdatedAt  int64
}

type WebhookEvent struct {
	ID          string
	EndpointID  string
	Seq         int64
	Method      string
	Headers     map[string]string
	Body        string
	Query       map[string]string
	SourceIP    string
	ContentType string
	CreatedAt   int64
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) Valid() bool {
	return s == DeliveryPending || s == DeliveryDelivered || s == DeliveryFailed
}

type Delivery struct {
	ID             string
	EventID        string
	MachineID      string
	Status         DeliveryStatus
	ResponseStatus *int
	ResponseBody   *string
	Error          *string
	DurationMs     *int64
	CreatedAt      int64
	UpdatedAt      int64
}
