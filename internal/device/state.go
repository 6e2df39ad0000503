package device

// ConnectionState is the lifecycle position of a peripheral
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDiscoveringServices
	StateAutoSubscribing
	StateReady
	StateDisconnecting
)

var connectionStateNames = [...]string{
	StateDisconnected:        "disconnected",
	StateConnecting:          "connecting",
	StateConnected:           "connected",
	StateDiscoveringServices: "discovering_services",
	StateAutoSubscribing:     "auto_subscribing",
	StateReady:               "ready",
	StateDisconnecting:       "disconnecting",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(connectionStateNames) {
		return "unknown"
	}
	return connectionStateNames[s]
}

// IsLinked reports whether a link exists or is being set up, i.e. every state except Disconnected.
func (s ConnectionState) IsLinked() bool {
	return s != StateDisconnected
}

// SubscriptionState tracks notification delivery for one characteristic
type SubscriptionState int32

const (
	Unsubscribed SubscriptionState = iota
	Subscribing
	Subscribed
)

func (s SubscriptionState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}
