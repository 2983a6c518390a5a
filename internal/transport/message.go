// Package transport implements the editor link: a tagged JSON message
// protocol carried over either a streaming WebSocket connection or an
// HTTP long-poll fallback, with only one editor connection considered
// active at a time.
package transport

import (
	"encoding/json"
	"fmt"
)

// Tag identifies a message's shape on the wire.
type Tag string

const (
	// Inbound (editor -> daemon).
	TagFullSnapshot     Tag = "fullSnapshot"
	TagInstanceUpdated  Tag = "instanceUpdated"
	TagScriptChanged    Tag = "scriptChanged"
	TagDeleted          Tag = "deleted"
	TagPing             Tag = "ping"
	TagClientDisconnect Tag = "clientDisconnect"
	TagPushConfig       Tag = "pushConfig"

	// Outbound (daemon -> editor).
	TagPatchScript       Tag = "patchScript"
	TagRequestSnapshot   Tag = "requestSnapshot"
	TagRequestPushConfig Tag = "requestPushConfig"
	TagBuildSnapshot     Tag = "buildSnapshot"
	TagPushSnapshot      Tag = "pushSnapshot"
	TagPong              Tag = "pong"
	TagError             Tag = "error"
)

// WireEntry is the on-the-wire shape of one tree entry, shared by
// fullSnapshot, instanceUpdated, buildSnapshot, and pushSnapshot.
type WireEntry struct {
	ID        string   `json:"id"`
	ClassName string   `json:"className"`
	Name      string   `json:"name"`
	Path      []string `json:"path"`
	Source    *string  `json:"source,omitempty"`
}

// PushConfigMapping is one entry of a pushConfig message's mappings.
type PushConfigMapping struct {
	Source      string   `json:"source"`
	Destination []string `json:"destination"`
	Destructive bool     `json:"destructive,omitempty"`
	RojoMode    bool     `json:"rojoMode,omitempty"`
}

// PushConfigBody is the "config" payload of a pushConfig message.
type PushConfigBody struct {
	Mappings []PushConfigMapping `json:"mappings"`
}

// rawMessage is the superset decoding target for every inbound tag; a
// given message only populates the fields its tag defines.
type rawMessage struct {
	Tag       Tag             `json:"tag"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Path      []string        `json:"path,omitempty"`
	ClassName string          `json:"className,omitempty"`
	Source    *string         `json:"source,omitempty"`
	Config    *PushConfigBody `json:"config,omitempty"`
}

// Inbound is the parsed, typed form of a message received from the
// editor. Only the fields relevant to Tag are populated.
type Inbound struct {
	Tag Tag

	Snapshot      []WireEntry
	Instance      WireEntry
	ScriptChanged ScriptChangedPayload
	DeletedID     string
	PushConfig    PushConfigBody
}

// ScriptChangedPayload holds the fields of a scriptChanged message.
type ScriptChangedPayload struct {
	ID        string
	Path      []string
	ClassName string
	Source    string
}

// ParseInbound decodes one JSON message from the editor.
func ParseInbound(raw []byte) (Inbound, error) {
	var rm rawMessage
	if err := json.Unmarshal(raw, &rm); err != nil {
		return Inbound{}, fmt.Errorf("transport: decoding message: %w", err)
	}

	msg := Inbound{Tag: rm.Tag}

	switch rm.Tag {
	case TagFullSnapshot:
		if err := json.Unmarshal(rm.Data, &msg.Snapshot); err != nil {
			return Inbound{}, fmt.Errorf("transport: decoding fullSnapshot data: %w", err)
		}
	case TagInstanceUpdated:
		if err := json.Unmarshal(rm.Data, &msg.Instance); err != nil {
			return Inbound{}, fmt.Errorf("transport: decoding instanceUpdated data: %w", err)
		}
	case TagScriptChanged:
		source := ""
		if rm.Source != nil {
			source = *rm.Source
		}
		msg.ScriptChanged = ScriptChangedPayload{ID: rm.ID, Path: rm.Path, ClassName: rm.ClassName, Source: source}
	case TagDeleted:
		msg.DeletedID = rm.ID
	case TagPing, TagClientDisconnect:
		// no payload
	case TagPushConfig:
		if rm.Config != nil {
			msg.PushConfig = *rm.Config
		}
	default:
		return Inbound{}, fmt.Errorf("transport: unknown message tag %q", rm.Tag)
	}

	return msg, nil
}

// patchScriptMsg, taggedOnlyMsg, etc. are the outbound wire shapes;
// each embeds its own Tag so a bare json.Marshal produces the full
// envelope without a separate wrapping step.
type patchScriptMsg struct {
	Tag    Tag    `json:"tag"`
	ID     string `json:"id"`
	Source string `json:"source"`
}

type taggedOnlyMsg struct {
	Tag Tag `json:"tag"`
}

type buildSnapshotMsg struct {
	Tag  Tag         `json:"tag"`
	Data []WireEntry `json:"data"`
}

// PushMapping is one entry of an outbound pushSnapshot message.
type PushMapping struct {
	Destination []string    `json:"destination"`
	Destructive bool        `json:"destructive"`
	Instances   []WireEntry `json:"instances"`
}

type pushSnapshotMsg struct {
	Tag      Tag           `json:"tag"`
	Mappings []PushMapping `json:"mappings"`
}

type errorMsg struct {
	Tag     Tag    `json:"tag"`
	Message string `json:"message"`
}

// EncodePatchScript builds the patchScript{id, source} outbound message.
func EncodePatchScript(id, source string) ([]byte, error) {
	return json.Marshal(patchScriptMsg{Tag: TagPatchScript, ID: id, Source: source})
}

// EncodeRequestSnapshot builds the requestSnapshot outbound message.
func EncodeRequestSnapshot() ([]byte, error) {
	return json.Marshal(taggedOnlyMsg{Tag: TagRequestSnapshot})
}

// EncodeRequestPushConfig builds the requestPushConfig outbound message.
func EncodeRequestPushConfig() ([]byte, error) {
	return json.Marshal(taggedOnlyMsg{Tag: TagRequestPushConfig})
}

// EncodeBuildSnapshot builds the buildSnapshot{data} outbound message.
func EncodeBuildSnapshot(entries []WireEntry) ([]byte, error) {
	return json.Marshal(buildSnapshotMsg{Tag: TagBuildSnapshot, Data: entries})
}

// EncodePushSnapshot builds the pushSnapshot{mappings} outbound message.
func EncodePushSnapshot(mappings []PushMapping) ([]byte, error) {
	return json.Marshal(pushSnapshotMsg{Tag: TagPushSnapshot, Mappings: mappings})
}

// EncodePong builds the pong outbound message.
func EncodePong() ([]byte, error) {
	return json.Marshal(taggedOnlyMsg{Tag: TagPong})
}

// EncodeError builds the error{message} outbound message.
func EncodeError(message string) ([]byte, error) {
	return json.Marshal(errorMsg{Tag: TagError, Message: message})
}
