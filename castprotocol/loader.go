package castprotocol

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/vishen/go-chromecast/cast"
)

const (
	receiverNamespace = "urn:x-cast:com.google.cast.receiver"
	senderID          = "sender-0"
	receiverID        = "receiver-0"
)

// Request ID counter for Chromecast messages
var requestIDCounter int32

func nextRequestID() int {
	return int(atomic.AddInt32(&requestIDCounter, 1))
}

// sender is the part of cast.Conn the receiver commands need.
type sender interface {
	Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error
}

// ReceiverPayload is a receiver-namespace command (LAUNCH, STOP).
type ReceiverPayload struct {
	Type      string `json:"type"`
	RequestId int    `json:"requestId"`
	AppId     string `json:"appId,omitempty"`
	SessionId string `json:"sessionId,omitempty"`
}

// SetRequestId implements cast.Payload interface
func (p *ReceiverPayload) SetRequestId(id int) {
	p.RequestId = id
}

var _ cast.Payload = (*ReceiverPayload)(nil)

// LaunchReceiver asks the receiver to start appID. The receiver answers with
// a RECEIVER_STATUS that the caller picks up through Update.
func LaunchReceiver(conn sender, appID string) error {
	if appID == "" {
		return errors.New("launch receiver: empty app id")
	}
	payload := &ReceiverPayload{Type: "LAUNCH", AppId: appID}
	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, senderID, receiverID, receiverNamespace); err != nil {
		return errors.Wrap(err, "send launch")
	}
	return nil
}

// StopReceiver stops the application session sessionID on the receiver.
func StopReceiver(conn sender, sessionID string) error {
	payload := &ReceiverPayload{Type: "STOP", SessionId: sessionID}
	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, senderID, receiverID, receiverNamespace); err != nil {
		return errors.Wrap(err, "send stop")
	}
	return nil
}
