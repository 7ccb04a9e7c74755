package ipc

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// MessageType identifies an IPC message
type MessageType string

const (
	MessageTypeStop           MessageType = "stop"
	MessageTypeStatus         MessageType = "status"
	MessageTypeStatusResponse MessageType = "status_response"
	MessageTypeAck            MessageType = "ack"
	MessageTypeError          MessageType = "error"
)

// Status describes a running mirror session
type Status struct {
	PID        int
	Source     string
	Targets    []string
	State      string
	Mode       string
	Cursor     bool
	Workspaces bool
	Started    time.Time
	Frames     uint64
	Dropped    uint64
}

// Message is the unit exchanged over the control socket. Payload keys
// depend on the type.
type Message = structpb.Struct

func newMessage(t MessageType, payload map[string]any) (*Message, error) {
	fields := map[string]any{"type": string(t)}
	for k, v := range payload {
		fields[k] = v
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s message: %w", t, err)
	}
	return msg, nil
}

// TypeOf returns the type of msg
func TypeOf(msg *Message) MessageType {
	return MessageType(msg.GetFields()["type"].GetStringValue())
}

// NewStopMessage asks the instance to stop mirroring
func NewStopMessage() (*Message, error) {
	return newMessage(MessageTypeStop, nil)
}

// NewStatusMessage creates a new status query message
func NewStatusMessage() (*Message, error) {
	return newMessage(MessageTypeStatus, nil)
}

// NewAckMessage acknowledges a command
func NewAckMessage() (*Message, error) {
	return newMessage(MessageTypeAck, nil)
}

// NewErrorMessage creates a new error message
func NewErrorMessage(errMsg string) (*Message, error) {
	return newMessage(MessageTypeError, map[string]any{"error": errMsg})
}

// NewStatusResponseMessage encodes s
func NewStatusResponseMessage(s Status) (*Message, error) {
	targets := make([]any, len(s.Targets))
	for i, t := range s.Targets {
		targets[i] = t
	}
	started := timestamppb.New(s.Started)
	return newMessage(MessageTypeStatusResponse, map[string]any{
		"pid":        s.PID,
		"source":     s.Source,
		"targets":    targets,
		"state":      s.State,
		"mode":       s.Mode,
		"cursor":     s.Cursor,
		"workspaces": s.Workspaces,
		"started": map[string]any{
			"seconds": started.GetSeconds(),
			"nanos":   started.GetNanos(),
		},
		"frames":  s.Frames,
		"dropped": s.Dropped,
	})
}

// GetStatusResponse decodes a status response
func GetStatusResponse(msg *Message) (*Status, error) {
	if TypeOf(msg) != MessageTypeStatusResponse {
		return nil, fmt.Errorf("message is not a status response")
	}
	f := msg.GetFields()

	s := &Status{
		PID:        int(f["pid"].GetNumberValue()),
		Source:     f["source"].GetStringValue(),
		State:      f["state"].GetStringValue(),
		Mode:       f["mode"].GetStringValue(),
		Cursor:     f["cursor"].GetBoolValue(),
		Workspaces: f["workspaces"].GetBoolValue(),
		Frames:     uint64(f["frames"].GetNumberValue()),
		Dropped:    uint64(f["dropped"].GetNumberValue()),
	}
	for _, v := range f["targets"].GetListValue().GetValues() {
		s.Targets = append(s.Targets, v.GetStringValue())
	}

	started := f["started"].GetStructValue().GetFields()
	ts := &timestamppb.Timestamp{
		Seconds: int64(started["seconds"].GetNumberValue()),
		Nanos:   int32(started["nanos"].GetNumberValue()),
	}
	if err := ts.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid start time: %w", err)
	}
	s.Started = ts.AsTime().Local()
	return s, nil
}

// ResponseError returns the error carried by an error message, or nil
func ResponseError(msg *Message) error {
	if TypeOf(msg) != MessageTypeError {
		return nil
	}
	return errors.New(msg.GetFields()["error"].GetStringValue())
}
