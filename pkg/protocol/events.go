// Package protocol defines the framed event protocol spoken over the duplex
// stream and a stateless codec for it.
//
// Every frame is a JSON object with a single "event" member whose only key
// names the event kind:
//
//	{"event": {"contentStart": {"promptName": "...", "contentName": "...", ...}}}
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Kind identifies an event variant.
type Kind string

const (
	KindSessionStart    Kind = "sessionStart"
	KindPromptStart     Kind = "promptStart"
	KindContentStart    Kind = "contentStart"
	KindAudioInput      Kind = "audioInput"
	KindTextInput       Kind = "textInput"
	KindToolResult      Kind = "toolResult"
	KindContentEnd      Kind = "contentEnd"
	KindPromptEnd       Kind = "promptEnd"
	KindSessionEnd      Kind = "sessionEnd"
	KindTextOutput      Kind = "textOutput"
	KindAudioOutput     Kind = "audioOutput"
	KindToolUse         Kind = "toolUse"
	KindCompletionStart Kind = "completionStart"
	KindCompletionEnd   Kind = "completionEnd"
	KindUsageEvent      Kind = "usageEvent"
)

// ContentType is the media type of a content block.
type ContentType string

const (
	ContentAudio ContentType = "AUDIO"
	ContentText  ContentType = "TEXT"
	ContentTool  ContentType = "TOOL"
)

// Role is the speaker of a content block.
type Role string

const (
	RoleSystem    Role = "SYSTEM"
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleTool      Role = "TOOL"
)

// GenerationStageSpeculative marks inbound content the model may still revise.
const GenerationStageSpeculative = "SPECULATIVE"

type InferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type SessionStart struct {
	InferenceConfiguration InferenceConfiguration `json:"inferenceConfiguration"`
}

type TextConfiguration struct {
	MediaType string `json:"mediaType"`
}

type AudioConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId,omitempty"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

// ToolSpec describes one tool offered to the remote model. InputSchema is the
// JSON schema of the tool's arguments, itself encoded as a JSON string.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	JSON string `json:"json"`
}

type ToolConfiguration struct {
	Tools []ToolWrapper `json:"tools"`
}

type ToolWrapper struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

type PromptStart struct {
	PromptName                 string             `json:"promptName"`
	TextOutputConfiguration    TextConfiguration  `json:"textOutputConfiguration"`
	AudioOutputConfiguration   AudioConfiguration `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration *TextConfiguration `json:"toolUseOutputConfiguration,omitempty"`
	ToolConfiguration          *ToolConfiguration `json:"toolConfiguration,omitempty"`
}

type ToolResultInputConfiguration struct {
	ToolUseID              string            `json:"toolUseId"`
	Type                   ContentType       `json:"type"`
	TextInputConfiguration TextConfiguration `json:"textInputConfiguration"`
}

// ContentStart opens a content block. Outbound frames name the block with
// ContentName; inbound frames carry the remote ContentID.
type ContentStart struct {
	PromptName                   string                        `json:"promptName,omitempty"`
	ContentName                  string                        `json:"contentName,omitempty"`
	ContentID                    string                        `json:"contentId,omitempty"`
	Type                         ContentType                   `json:"type"`
	Role                         Role                          `json:"role"`
	Interactive                  bool                          `json:"interactive"`
	TextInputConfiguration       *TextConfiguration            `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration      *AudioConfiguration           `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfiguration *ToolResultInputConfiguration `json:"toolResultInputConfiguration,omitempty"`
	AdditionalModelFields        string                        `json:"additionalModelFields,omitempty"`
}

// Speculative reports whether the block was announced as a provisional
// generation stage.
func (c *ContentStart) Speculative() bool {
	if c.AdditionalModelFields == "" {
		return false
	}
	var fields struct {
		GenerationStage string `json:"generationStage"`
	}
	if err := json.Unmarshal([]byte(c.AdditionalModelFields), &fields); err != nil {
		return strings.Contains(c.AdditionalModelFields, GenerationStageSpeculative)
	}
	return fields.GenerationStage == GenerationStageSpeculative
}

// Key returns the identifier the block is tracked under.
func (c *ContentStart) Key() string {
	if c.ContentID != "" {
		return c.ContentID
	}
	return c.ContentName
}

type AudioInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type TextInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type ToolResult struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	ToolUseID   string `json:"toolUseId"`
	Content     string `json:"content"`
}

type ContentEnd struct {
	PromptName  string      `json:"promptName,omitempty"`
	ContentName string      `json:"contentName,omitempty"`
	ContentID   string      `json:"contentId,omitempty"`
	Type        ContentType `json:"type,omitempty"`
	StopReason  string      `json:"stopReason,omitempty"`
}

func (c *ContentEnd) Key() string {
	if c.ContentID != "" {
		return c.ContentID
	}
	return c.ContentName
}

type PromptEnd struct {
	PromptName string `json:"promptName"`
}

type SessionEnd struct{}

type TextOutput struct {
	ContentID string `json:"contentId,omitempty"`
	Role      Role   `json:"role,omitempty"`
	Content   string `json:"content"`
}

type AudioOutput struct {
	ContentID string `json:"contentId,omitempty"`
	Content   string `json:"content"`
}

// PCM decodes the base64 payload.
func (a *AudioOutput) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Content)
}

type ToolUse struct {
	ContentID string `json:"contentId,omitempty"`
	ToolUseID string `json:"toolUseId"`
	ToolName  string `json:"toolName"`
	Content   string `json:"content,omitempty"`
}

// Arguments returns the tool arguments as raw JSON. An empty payload yields nil.
func (t *ToolUse) Arguments() json.RawMessage {
	s := strings.TrimSpace(t.Content)
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// Event is one protocol frame. Exactly one of the variant fields is set for
// a known kind; Unknown holds the name of an unrecognized kind and Raw its
// body.
type Event struct {
	SessionStart    *SessionStart
	PromptStart     *PromptStart
	ContentStart    *ContentStart
	AudioInput      *AudioInput
	TextInput       *TextInput
	ToolResult      *ToolResult
	ContentEnd      *ContentEnd
	PromptEnd       *PromptEnd
	SessionEnd      *SessionEnd
	TextOutput      *TextOutput
	AudioOutput     *AudioOutput
	ToolUse         *ToolUse
	CompletionStart json.RawMessage
	CompletionEnd   json.RawMessage
	UsageEvent      json.RawMessage

	Unknown string
	Raw     json.RawMessage
}

// Kind reports which variant the event carries.
func (e Event) Kind() Kind {
	switch {
	case e.SessionStart != nil:
		return KindSessionStart
	case e.PromptStart != nil:
		return KindPromptStart
	case e.ContentStart != nil:
		return KindContentStart
	case e.AudioInput != nil:
		return KindAudioInput
	case e.TextInput != nil:
		return KindTextInput
	case e.ToolResult != nil:
		return KindToolResult
	case e.ContentEnd != nil:
		return KindContentEnd
	case e.PromptEnd != nil:
		return KindPromptEnd
	case e.SessionEnd != nil:
		return KindSessionEnd
	case e.TextOutput != nil:
		return KindTextOutput
	case e.AudioOutput != nil:
		return KindAudioOutput
	case e.ToolUse != nil:
		return KindToolUse
	case e.CompletionStart != nil:
		return KindCompletionStart
	case e.CompletionEnd != nil:
		return KindCompletionEnd
	case e.UsageEvent != nil:
		return KindUsageEvent
	}
	return Kind(e.Unknown)
}

// NewAudioInput builds an audioInput event with the PCM payload base64 encoded.
func NewAudioInput(promptName, contentName string, pcm []byte) Event {
	return Event{AudioInput: &AudioInput{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     base64.StdEncoding.EncodeToString(pcm),
	}}
}
