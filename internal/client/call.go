package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"remote-admin-gateway/internal/protocol"
)

// replies lists, per command, the events that finish it. The first entry of each is its error event.
var replies = map[string][]string{
	protocol.TypeFileList:       {protocol.TypeFileError, protocol.TypeFileListResult},
	protocol.TypeFileRead:       {protocol.TypeFileError, protocol.TypeFileReadResult},
	protocol.TypeFileWrite:      {protocol.TypeFileError, protocol.TypeFileWriteResult},
	protocol.TypePackageSearch:  {protocol.TypePackageSearchError, protocol.TypePackageSearchResults, protocol.TypePackageSearchTimeout},
	protocol.TypePackageInstall: {protocol.TypePackageInstallError, protocol.TypePackageInstallResult},
	protocol.TypeScriptRun:      {protocol.TypeScriptError, protocol.TypeScriptResult},
	protocol.TypeSessionStatus:  {protocol.TypeSessionError, protocol.TypeSessionStatus},
}

var callSeq atomic.Uint64

// CommandError is the error event a command finished with.
type CommandError struct {
	Type      string
	Code      string
	Message   string
	Retryable bool
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Code, e.Message)
}

// Call sends one command on the live connection and waits for the event that finishes it.
// Every other event received meanwhile (streamed output, late search results) goes to onEvent when set.
func (c *Controller) Call(ctx context.Context, eventType string, payload any, onEvent func(protocol.Envelope)) (protocol.Envelope, error) {
	done, ok := replies[eventType]
	if !ok {
		return protocol.Envelope{}, fmt.Errorf("client: %q has no reply", eventType)
	}
	conn := c.Conn()
	if conn == nil {
		return protocol.Envelope{}, ErrConnClosed
	}
	id := fmt.Sprintf("%s-%d", eventType, callSeq.Add(1))
	env, err := protocol.New(eventType, id, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if err := conn.Send(env); err != nil {
		return protocol.Envelope{}, err
	}
	for {
		got, err := conn.Recv(ctx)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if got.ID == id {
			if got.Type == done[0] {
				var p protocol.Error
				_ = json.Unmarshal(got.Payload, &p)
				return got, &CommandError{Type: got.Type, Code: p.Code, Message: p.Message, Retryable: p.Retryable}
			}
			for _, t := range done[1:] {
				if got.Type == t {
					return got, nil
				}
			}
		}
		if onEvent != nil {
			onEvent(got)
		}
	}
}
