// Package channel defines the contract between the daemon and external
// messaging adapters: inbound events flowing toward the router and
// outbound intents flowing back to the platform.
package channel

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// keySeparator joins channel id and ref into a destination key. The unit
// separator cannot appear in platform chat identifiers, which keeps the
// key an injective function of the destination.
const keySeparator = "\x1f"

// Destination identifies a conversational endpoint on one channel.
type Destination struct {
	ChannelID string                 `json:"channelId"`
	Ref       string                 `json:"ref"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Key returns the deterministic map key for this destination.
func (d Destination) Key() string {
	return d.ChannelID + keySeparator + d.Ref
}

// String renders the destination for logs and display.
func (d Destination) String() string {
	return d.ChannelID + ":" + d.Ref
}

// DestinationFromKey parses a key produced by Key.
func DestinationFromKey(key string) (Destination, error) {
	parts := strings.SplitN(key, keySeparator, 2)
	if len(parts) != 2 {
		return Destination{}, fmt.Errorf("malformed destination key %q", key)
	}
	return Destination{ChannelID: parts[0], Ref: parts[1]}, nil
}

// InboundType discriminates inbound channel events.
type InboundType string

const (
	InboundMessageReceived     InboundType = "message_received"
	InboundCommandReceived     InboundType = "command_received"
	InboundCallbackReceived    InboundType = "callback_received"
	InboundConversationStarted InboundType = "conversation_started"
	InboundMessageEdited       InboundType = "message_edited"
	InboundMessageDeleted      InboundType = "message_deleted"
	InboundReactionAdded       InboundType = "reaction_added"
	InboundReactionRemoved     InboundType = "reaction_removed"
	InboundMemberJoined        InboundType = "member_joined"
	InboundMemberLeft          InboundType = "member_left"
)

// ContentType discriminates message content payloads.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentMedia    ContentType = "media"
	ContentContact  ContentType = "contact"
	ContentSticker  ContentType = "sticker"
	ContentLocation ContentType = "location"
	ContentPollVote ContentType = "poll_vote"
)

// Contact is the payload of a shared contact.
type Contact struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone"`
}

// MessageContent is the content variant of a message_received event.
// Exactly the fields for its Type are populated.
type MessageContent struct {
	Type    ContentType `json:"type"`
	Text    string      `json:"text,omitempty"`
	Caption string      `json:"caption,omitempty"`
	Contact *Contact    `json:"contact,omitempty"`
	Emoji   string      `json:"emoji,omitempty"`
}

// Inbound is one event received from a channel.
type Inbound struct {
	Type      InboundType     `json:"type"`
	Origin    Destination     `json:"origin"`
	Author    string          `json:"author,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Message   *MessageContent `json:"message,omitempty"`  // message_received
	Command   string          `json:"command,omitempty"`  // command_received
	Args      string          `json:"args,omitempty"`     // command_received
	Callback  string          `json:"callback,omitempty"` // callback_received
}

// InboundEnvelope pairs an inbound event with its channel id on the bus.
type InboundEnvelope struct {
	ChannelID string   `json:"channelId"`
	Event     *Inbound `json:"event"`
}

// IntentType discriminates outbound intents.
type IntentType string

const (
	IntentThinking     IntentType = "agent_thinking"
	IntentStreaming    IntentType = "agent_streaming"
	IntentResponding   IntentType = "agent_responding"
	IntentToolCall     IntentType = "agent_tool_call"
	IntentToolProgress IntentType = "agent_tool_progress"
	IntentError        IntentType = "agent_error"
)

// ToolCall is the payload of an agent_tool_call intent.
type ToolCall struct {
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// ToolProgress is the payload of an agent_tool_progress intent.
type ToolProgress struct {
	Percent float64 `json:"percent,omitempty"`
	Message string  `json:"message,omitempty"`
}

// ErrorDetail is the payload of an agent_error intent.
type ErrorDetail struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Intent is one platform-agnostic outbound message.
type Intent struct {
	Type        IntentType             `json:"type"`
	Destination Destination            `json:"destination"`
	Text        string                 `json:"text,omitempty"`    // agent_responding
	Partial     string                 `json:"partial,omitempty"` // agent_streaming
	Tool        *ToolCall              `json:"tool,omitempty"`
	Progress    *ToolProgress          `json:"progress,omitempty"`
	Error       *ErrorDetail           `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CommandSpec describes a slash command advertised to a channel at boot.
type CommandSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Channel is an external messaging adapter. Adapters deliver inbound
// events through the Registry they are registered with and are expected
// to serialize deliveries from the same destination.
type Channel interface {
	ID() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Process delivers an outbound intent to the platform.
	Process(ctx context.Context, intent *Intent) error

	// RegisterCommands advertises slash commands. Best-effort at boot.
	RegisterCommands(ctx context.Context, commands []CommandSpec) error
}
