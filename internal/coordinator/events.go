package coordinator

import (
	"time"

	"github.com/danmuck/headunit/internal/discovery"
	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/payload"
	"github.com/danmuck/headunit/internal/protocol/session"
)

type EventKind string

const (
	EventDevice          EventKind = "device"
	EventPing            EventKind = "ping"
	EventError           EventKind = "error"
	EventHeartbeat       EventKind = "heartbeat"
	EventInput           EventKind = "input"
	EventCritical        EventKind = "critical"
	EventFlowStart       EventKind = "flow_start"
	EventTelemetry       EventKind = "telemetry"
	EventDeliveryFailure EventKind = "delivery_failure"
	EventRejected        EventKind = "rejected"
)

// Event is one item of the coordinator's outbound stream. Message holds the
// decoded payload for node reports; a delivery failure carries the locally
// raised EVENT_CRITICAL as Message as well. A rejected command carries the
// node's ACK as Message and a Failure wrapping protocol.ErrRejected.
type Event struct {
	Kind      EventKind
	At        time.Time
	Src       protocol.Address
	Seq       uint16
	Message   payload.Message
	Lifecycle *discovery.Event
	Failure   *session.DeliveryFailure
}
