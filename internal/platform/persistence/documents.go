// Package persistence contains the registry stores backed by MongoDB and
// Google Cloud Firestore.
package persistence

import (
	"time"

	"github.com/willyaranda/notification-next/pkg/push"
)

const (
	nodesCollection     = "nodes"
	appsCollection      = "apps"
	operatorsCollection = "operators"
)

// The document shapes below are the persisted layout shared by both stores.
// Field names are part of the storage contract and must not change.

type hostPortDoc struct {
	IP   string `bson:"ip" firestore:"ip"`
	Port int    `bson:"port" firestore:"port"`
}

type mobileNetworkDoc struct {
	MCC string `bson:"mcc" firestore:"mcc"`
	MNC string `bson:"mnc" firestore:"mnc"`
}

type deviceDataDoc struct {
	WakeupHostPort *hostPortDoc      `bson:"wakeup_hostport,omitempty" firestore:"wakeup_hostport,omitempty"`
	MobileNetwork  *mobileNetworkDoc `bson:"mobilenetwork,omitempty" firestore:"mobilenetwork,omitempty"`
	Protocol       string            `bson:"protocol,omitempty" firestore:"protocol,omitempty"`
	CanBeWakeup    bool              `bson:"canBeWakeup" firestore:"canBeWakeup"`
}

type channelDoc struct {
	ChannelID string `bson:"ch" firestore:"ch"`
	AppToken  string `bson:"app" firestore:"app"`
	Version   int64  `bson:"vs" firestore:"vs"`
	NeedsAck  bool   `bson:"new" firestore:"new"`
}

type nodeDoc struct {
	ID            string        `bson:"_id" firestore:"-"`
	State         int           `bson:"co" firestore:"co"`
	ServingNodeID string        `bson:"si" firestore:"si"`
	DeviceData    deviceDataDoc `bson:"dt" firestore:"dt"`
	LastTouched   time.Time     `bson:"lt" firestore:"lt"`
	Channels      []channelDoc  `bson:"ch" firestore:"ch"`

	// Derived on every Firestore write so subscriber and wake-up queries
	// can use single-field indexes.
	Apps    []string `bson:"-" firestore:"apps"`
	Pending bool     `bson:"-" firestore:"pending"`
}

// appDoc is an entry of the derived application index.
type appDoc struct {
	ID        string   `bson:"_id"`
	ChannelID string   `bson:"ch"`
	Nodes     []string `bson:"no"`
}

type operatorDoc struct {
	ID       string `bson:"_id" firestore:"-"`
	Country  string `bson:"country" firestore:"country"`
	Operator string `bson:"operator" firestore:"operator"`
	MCC      string `bson:"mcc" firestore:"mcc"`
	MNC      string `bson:"mnc" firestore:"mnc"`
	Wakeup   string `bson:"wakeup,omitempty" firestore:"wakeup,omitempty"`
}

func toDeviceDataDoc(dt push.DeviceData) deviceDataDoc {
	doc := deviceDataDoc{
		Protocol:    string(dt.Protocol),
		CanBeWakeup: dt.CanBeWakeup,
	}
	if dt.WakeupHostPort != nil {
		doc.WakeupHostPort = &hostPortDoc{IP: dt.WakeupHostPort.IP, Port: dt.WakeupHostPort.Port}
	}
	if dt.MobileNetwork != nil {
		doc.MobileNetwork = &mobileNetworkDoc{MCC: dt.MobileNetwork.MCC, MNC: dt.MobileNetwork.MNC}
	}
	return doc
}

func (d deviceDataDoc) toDeviceData() push.DeviceData {
	dt := push.DeviceData{
		Protocol:    push.Transport(d.Protocol),
		CanBeWakeup: d.CanBeWakeup,
	}
	if d.WakeupHostPort != nil {
		dt.WakeupHostPort = &push.HostPort{IP: d.WakeupHostPort.IP, Port: d.WakeupHostPort.Port}
	}
	if d.MobileNetwork != nil {
		dt.MobileNetwork = &push.MobileNetwork{MCC: d.MobileNetwork.MCC, MNC: d.MobileNetwork.MNC}
	}
	return dt
}

func newChannelDoc(appToken, channelID string) channelDoc {
	return channelDoc{ChannelID: channelID, AppToken: appToken}
}

func toNodeDoc(n push.Node) nodeDoc {
	doc := nodeDoc{
		ID:            n.ID,
		State:         int(n.State),
		ServingNodeID: n.ServingNodeID,
		DeviceData:    toDeviceDataDoc(n.DeviceData),
		LastTouched:   n.LastTouched,
		Channels:      make([]channelDoc, 0, len(n.Channels)),
		Apps:          n.Apps(),
		Pending:       len(n.PendingChannels()) > 0,
	}
	for _, c := range n.Channels {
		doc.Channels = append(doc.Channels, channelDoc{
			ChannelID: c.ChannelID,
			AppToken:  c.AppToken,
			Version:   c.Version,
			NeedsAck:  c.NeedsAck,
		})
	}
	if doc.Apps == nil {
		doc.Apps = []string{}
	}
	return doc
}

func (d nodeDoc) toNode() push.Node {
	n := push.Node{
		ID:            d.ID,
		State:         push.ConnectionState(d.State),
		ServingNodeID: d.ServingNodeID,
		DeviceData:    d.DeviceData.toDeviceData(),
		LastTouched:   d.LastTouched,
	}
	for _, c := range d.Channels {
		n.Channels = append(n.Channels, push.Channel{
			ChannelID: c.ChannelID,
			AppToken:  c.AppToken,
			Version:   c.Version,
			NeedsAck:  c.NeedsAck,
		})
	}
	return n
}

func (d operatorDoc) toOperator() *push.Operator {
	return &push.Operator{
		ID:       d.ID,
		Country:  d.Country,
		Operator: d.Operator,
		MCC:      d.MCC,
		MNC:      d.MNC,
		Wakeup:   d.Wakeup,
	}
}
