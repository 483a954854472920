package push

import (
	"fmt"
	"strconv"
	"time"
)

// ConnectionState is the persisted connectivity of a node.
type ConnectionState int

const (
	Disconnected  ConnectionState = 0
	Connected     ConnectionState = 1
	WakeupUDP     ConnectionState = 2
	WakeupWAPPush ConnectionState = 3
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case WakeupUDP:
		return "wakeup-udp"
	case WakeupWAPPush:
		return "wakeup-wappush"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Transport is the protocol a node declared when it registered.
type Transport string

const (
	TransportUDP       Transport = "udp"
	TransportTCP       Transport = "tcp"
	TransportWebSocket Transport = "ws"
)

// HostPort is the address a wake-up signal is sent to.
type HostPort struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// MobileNetwork identifies the carrier a node is attached to.
type MobileNetwork struct {
	MCC string `json:"mcc"`
	MNC string `json:"mnc"`
}

// DeviceData is the opaque-to-routing description of how a node can be
// reached out of band. It is forwarded verbatim inside every delivery.
type DeviceData struct {
	WakeupHostPort *HostPort      `json:"wakeup_hostport,omitempty"`
	MobileNetwork  *MobileNetwork `json:"mobilenetwork,omitempty"`
	Protocol       Transport      `json:"protocol,omitempty"`
	CanBeWakeup    bool           `json:"canBeWakeup,omitempty"`
}

// WakeupTarget returns the wake-up address of the device, if it has one.
func (d DeviceData) WakeupTarget() (WakeupTarget, bool) {
	if d.WakeupHostPort == nil || d.WakeupHostPort.IP == "" {
		return WakeupTarget{}, false
	}
	transport := TransportUDP
	if d.Protocol == TransportTCP {
		transport = TransportTCP
	}
	return WakeupTarget{
		IP:        d.WakeupHostPort.IP,
		Port:      d.WakeupHostPort.Port,
		Transport: transport,
	}, true
}

// Channel is a single (application, channel) subscription owned by a node.
type Channel struct {
	ChannelID string `json:"ch"`
	AppToken  string `json:"app"`
	Version   int64  `json:"vs"`
	NeedsAck  bool   `json:"new"`
}

// Node is a registered user agent and the channels it is subscribed to.
type Node struct {
	ID            string          `json:"_id"`
	State         ConnectionState `json:"co"`
	ServingNodeID string          `json:"si"`
	DeviceData    DeviceData      `json:"dt"`
	LastTouched   time.Time       `json:"lt"`
	Channels      []Channel       `json:"ch"`
}

// Operator is a mobile network operator record, keyed by OperatorID.
type Operator struct {
	ID       string `json:"_id"`
	Country  string `json:"country"`
	Operator string `json:"operator"`
	MCC      string `json:"mcc"`
	MNC      string `json:"mnc"`
	// Wakeup is the base URL of the wake-up service living inside the
	// operator network. Empty when the operator has none.
	Wakeup string `json:"wakeup,omitempty"`
}

// OperatorID builds the registry key for a mobile network: the MCC padded
// to three digits and the MNC padded to two, joined by a dash.
func OperatorID(mcc, mnc string) string {
	return fmt.Sprintf("%s-%s", padNumber(mcc, 3), padNumber(mnc, 2))
}

func padNumber(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// WakeupTarget is a validated-on-use address for a wake-up signal.
type WakeupTarget struct {
	IP        string
	Port      int
	Transport Transport
}

// MaxVersion is the exclusive upper bound of a channel version. Versions
// are carried as JSON numbers and must stay exactly representable.
const MaxVersion int64 = 1 << 53

// NewMessage is the event published by the ingestion boundary.
type NewMessage struct {
	AppToken string `json:"app"`
	Version  int64  `json:"vs"`
}

// Validate reports whether the event can be routed.
func (m NewMessage) Validate() error {
	if m.AppToken == "" {
		return fmt.Errorf("%w: empty application token", ErrInvalidMessage)
	}
	if m.Version < 0 || m.Version >= MaxVersion {
		return fmt.Errorf("%w: version %d out of range", ErrInvalidMessage, m.Version)
	}
	return nil
}

// Delivery is published to the queue named after a node's serving node.
type Delivery struct {
	AgentID    string     `json:"uaid"`
	DeviceData DeviceData `json:"dt"`
	Payload    NewMessage `json:"payload"`
}
