// Package protocol defines the event envelope and payloads carried on the multiplexed channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is one event on the channel. ID is an optional client correlation id echoed on responses.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → server event types.
const (
	TypeStartSession   = "startSession"
	TypeResumeSession  = "resumeSession"
	TypeEndSession     = "endSession"
	TypeShellInput     = "shell.input"
	TypeShellResize    = "shell.resize"
	TypeFileList       = "file.list"
	TypeFileRead       = "file.read"
	TypeFileWrite      = "file.write"
	TypePackageSearch  = "package.search"
	TypePackageInstall = "package.install"
	TypeScriptRun      = "script.run"
)

// Server → client event types. TypeSessionStatus is also accepted from the client as a status query.
const (
	TypeSessionID            = "session.id"
	TypeSessionResumed       = "session.resumed"
	TypeSessionExpired       = "session.expired"
	TypeSessionStatus        = "session.status"
	TypeSessionError         = "session.error"
	TypeShellOutput          = "shell.output"
	TypeShellError           = "shell.error"
	TypeFileListResult       = "file.list.result"
	TypeFileReadResult       = "file.read.result"
	TypeFileWriteResult      = "file.write.result"
	TypeFileError            = "file.error"
	TypePackageSearchResults = "package.search.results"
	TypePackageSearchTimeout = "package.search.timeout"
	TypePackageSearchError   = "package.search.error"
	TypePackageInstallResult = "package.install.result"
	TypePackageInstallError  = "package.install.error"
	TypeScriptOutput         = "script.output"
	TypeScriptResult         = "script.result"
	TypeScriptError          = "script.error"
)

// ErrInvalidPayload wraps every decode or validation failure.
var ErrInvalidPayload = errors.New("invalid payload")

// Validator is implemented by every client payload.
type Validator interface {
	Validate() error
}

// Decode strictly decodes raw into v (unknown fields rejected) and validates it.
// A missing payload decodes as an empty object.
func Decode(raw json.RawMessage, v Validator) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// New builds an envelope with payload marshaled to JSON.
func New(eventType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType, ID: id}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = b
	return env, nil
}
