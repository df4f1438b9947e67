// Package bridge exposes the host over NATS: a request/reply control subject
// and a forwarder that republishes bus broadcasts as NATS messages.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	kerrors "kestrel/core/errors"
)

// Control commands understood by the server.
const (
	CommandStatus     = "status"
	CommandHealth     = "health"
	CommandComponents = "components"
	CommandProcesses  = "processes"
	CommandPause      = "pause"
	CommandResume     = "resume"
	CommandShutdown   = "shutdown"
	CommandEnable     = "enable"
	CommandDisable    = "disable"
)

// Error codes carried in ControlResponse.Error.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeInternal       = "INTERNAL"
)

// PrincipalInfo identifies the operator issuing a control request.
type PrincipalInfo struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// ControlRequest is the payload published on <prefix>.control.
type ControlRequest struct {
	Command   string         `json:"command"`
	Component string         `json:"component,omitempty"`
	Principal *PrincipalInfo `json:"principal,omitempty"`
}

// ErrorDetail describes a failed control request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ControlResponse is the reply to a ControlRequest.
type ControlResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

var kindCodes = map[kerrors.Kind]string{
	kerrors.KindValidation: "VALIDATION",
	kerrors.KindState:      "STATE",
	kerrors.KindDependency: "DEPENDENCY",
	kerrors.KindPermission: "PERMISSION",
	kerrors.KindTimeout:    "TIMEOUT",
	kerrors.KindExecution:  "EXECUTION",
}

// errorDetail maps an error to its wire form. Typed errors use their kind as
// the code.
func errorDetail(err error) *ErrorDetail {
	code, ok := kindCodes[kerrors.KindOf(err)]
	if !ok {
		code = CodeInternal
	}
	return &ErrorDetail{Code: code, Message: err.Error()}
}

// Subjects derived from a prefix.
func controlSubject(prefix string) string { return prefix + ".control" }

func eventSubject(prefix, messageType string) string {
	return prefix + ".events." + strings.ToLower(messageType)
}
