package control

import "encoding/json"

// OpCode tags a protocol frame's role.
type OpCode int

// Protocol opcodes. The numbering is fixed by the control endpoint's wire
// protocol; gaps are opcodes this client does not use.
const (
	// OpHello is sent by the server immediately after the socket opens
	OpHello OpCode = 0
	// OpIdentify is the client's handshake reply
	OpIdentify OpCode = 1
	// OpIdentified acknowledges a successful handshake
	OpIdentified OpCode = 2
	// OpEvent carries a server-initiated notification
	OpEvent OpCode = 5
	// OpRequest carries a client request
	OpRequest OpCode = 6
	// OpRequestResponse carries the response matching a request id
	OpRequestResponse OpCode = 7
)

// Frame is the outer JSON envelope for every protocol message.
type Frame struct {
	Op   OpCode          `json:"op"`
	Data json.RawMessage `json:"d"`
}

// AuthChallenge carries the handshake challenge parameters. Present in the
// hello frame only when the server requires authentication.
type AuthChallenge struct {
	Salt      string `json:"salt"`
	Challenge string `json:"challenge"`
}

// HelloData is the payload of an OpHello frame.
type HelloData struct {
	RPCVersion     int            `json:"rpcVersion"`
	Authentication *AuthChallenge `json:"authentication,omitempty"`
}

// IdentifyData is the payload of an OpIdentify frame.
type IdentifyData struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions uint32 `json:"eventSubscriptions"`
}

// IdentifiedData is the payload of an OpIdentified frame.
type IdentifiedData struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

// EventData is the payload of an OpEvent frame.
type EventData struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}

// RequestData is the payload of an OpRequest frame.
type RequestData struct {
	RequestType string          `json:"requestType"`
	RequestID   string          `json:"requestId"`
	RequestData json.RawMessage `json:"requestData,omitempty"`
}

// RequestStatus reports whether a request succeeded.
type RequestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

// RequestResponseData is the payload of an OpRequestResponse frame.
type RequestResponseData struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus RequestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// Event subscription bitmask values for the identify frame.
const (
	// SubscriptionNone subscribes to no events
	SubscriptionNone uint32 = 0
	// SubscriptionGeneral subscribes to general events
	SubscriptionGeneral uint32 = 1 << 0
	// SubscriptionConfig subscribes to configuration change events
	SubscriptionConfig uint32 = 1 << 1
	// SubscriptionOutputs subscribes to output state events, including
	// stream state changes
	SubscriptionOutputs uint32 = 1 << 6
	// SubscriptionAll subscribes to every non-volume event category
	SubscriptionAll uint32 = SubscriptionGeneral | SubscriptionConfig | SubscriptionOutputs
)

// Output states reported by StreamStateChanged events.
const (
	// OutputStarting means the output is starting up
	OutputStarting = "starting"
	// OutputStarted means the output is live
	OutputStarted = "started"
	// OutputStopping means the output is shutting down
	OutputStopping = "stopping"
	// OutputStopped means the output is fully stopped
	OutputStopped = "stopped"
	// OutputReconnecting means the output lost its upstream connection
	OutputReconnecting = "reconnecting"
	// OutputReconnected means the output recovered its upstream connection
	OutputReconnected = "reconnected"
)

// EventTypeStreamStateChanged is the only server event type this client
// interprets; all other event types pass through the raw listener only.
const EventTypeStreamStateChanged = "StreamStateChanged"

// StreamStateChanged is the decoded payload of a StreamStateChanged event.
type StreamStateChanged struct {
	OutputActive bool   `json:"outputActive"`
	OutputState  string `json:"outputState"`
}
