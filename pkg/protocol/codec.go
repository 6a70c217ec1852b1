package protocol

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Event map[string]json.RawMessage `json:"event"`
}

// Encode serializes an event into a single wire frame.
func Encode(ev Event) ([]byte, error) {
	kind, body, err := variant(ev)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %v", ErrMalformedEvent, kind, err)
	}
	return json.Marshal(envelope{Event: map[string]json.RawMessage{string(kind): raw}})
}

// Decode parses a wire frame. A frame naming a kind this package does not
// know decodes successfully with Event.Unknown set.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(env.Event) == 0 {
		return Event{}, fmt.Errorf("%w: missing event body", ErrMalformedEvent)
	}
	if len(env.Event) > 1 {
		return Event{}, fmt.Errorf("%w: %d event kinds in one frame", ErrMalformedEvent, len(env.Event))
	}

	var (
		ev   Event
		name string
		raw  json.RawMessage
	)
	for k, v := range env.Event {
		name, raw = k, v
	}

	var target any
	switch Kind(name) {
	case KindSessionStart:
		ev.SessionStart = &SessionStart{}
		target = ev.SessionStart
	case KindPromptStart:
		ev.PromptStart = &PromptStart{}
		target = ev.PromptStart
	case KindContentStart:
		ev.ContentStart = &ContentStart{}
		target = ev.ContentStart
	case KindAudioInput:
		ev.AudioInput = &AudioInput{}
		target = ev.AudioInput
	case KindTextInput:
		ev.TextInput = &TextInput{}
		target = ev.TextInput
	case KindToolResult:
		ev.ToolResult = &ToolResult{}
		target = ev.ToolResult
	case KindContentEnd:
		ev.ContentEnd = &ContentEnd{}
		target = ev.ContentEnd
	case KindPromptEnd:
		ev.PromptEnd = &PromptEnd{}
		target = ev.PromptEnd
	case KindSessionEnd:
		ev.SessionEnd = &SessionEnd{}
		target = ev.SessionEnd
	case KindTextOutput:
		ev.TextOutput = &TextOutput{}
		target = ev.TextOutput
	case KindAudioOutput:
		ev.AudioOutput = &AudioOutput{}
		target = ev.AudioOutput
	case KindToolUse:
		ev.ToolUse = &ToolUse{}
		target = ev.ToolUse
	case KindCompletionStart:
		ev.CompletionStart = nonNil(raw)
		return ev, nil
	case KindCompletionEnd:
		ev.CompletionEnd = nonNil(raw)
		return ev, nil
	case KindUsageEvent:
		ev.UsageEvent = nonNil(raw)
		return ev, nil
	default:
		return Event{Unknown: name, Raw: raw}, nil
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
	}
	return ev, nil
}

func variant(ev Event) (Kind, any, error) {
	switch {
	case ev.SessionStart != nil:
		return KindSessionStart, ev.SessionStart, nil
	case ev.PromptStart != nil:
		return KindPromptStart, ev.PromptStart, nil
	case ev.ContentStart != nil:
		return KindContentStart, ev.ContentStart, nil
	case ev.AudioInput != nil:
		return KindAudioInput, ev.AudioInput, nil
	case ev.TextInput != nil:
		return KindTextInput, ev.TextInput, nil
	case ev.ToolResult != nil:
		return KindToolResult, ev.ToolResult, nil
	case ev.ContentEnd != nil:
		return KindContentEnd, ev.ContentEnd, nil
	case ev.PromptEnd != nil:
		return KindPromptEnd, ev.PromptEnd, nil
	case ev.SessionEnd != nil:
		return KindSessionEnd, ev.SessionEnd, nil
	case ev.TextOutput != nil:
		return KindTextOutput, ev.TextOutput, nil
	case ev.AudioOutput != nil:
		return KindAudioOutput, ev.AudioOutput, nil
	case ev.ToolUse != nil:
		return KindToolUse, ev.ToolUse, nil
	case ev.CompletionStart != nil:
		return KindCompletionStart, ev.CompletionStart, nil
	case ev.CompletionEnd != nil:
		return KindCompletionEnd, ev.CompletionEnd, nil
	case ev.UsageEvent != nil:
		return KindUsageEvent, ev.UsageEvent, nil
	case ev.Unknown != "":
		return Kind(ev.Unknown), nonNil(ev.Raw), nil
	}
	return "", nil, fmt.Errorf("%w: empty event", ErrMalformedEvent)
}

func nonNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
