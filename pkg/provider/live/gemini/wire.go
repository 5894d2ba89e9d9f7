package gemini

import (
	"encoding/json"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ── Outgoing ───────────────────────────────────────────────────────────────────

// SetupMessage is the first message of every session. It selects the model,
// the response modality, and the voice.
type SetupMessage struct {
	Setup Setup `json:"setup"`
}

// Setup is the body of [SetupMessage].
type Setup struct {
	Model             string           `json:"model"`
	GenerationConfig  GenerationConfig `json:"generationConfig"`
	SystemInstruction *Content         `json:"systemInstruction,omitempty"`
}

// GenerationConfig selects output modalities and speech settings.
type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SpeechConfig wraps the voice selection.
type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

// VoiceConfig wraps a prebuilt voice.
type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

// PrebuiltVoiceConfig names one of the service's stock voices.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// Content is a role-less list of parts (used for system instructions).
type Content struct {
	Parts []Part `json:"parts"`
}

// NewSetup builds the setup message for an audio-only session.
func NewSetup(model, voice, instruction string) SetupMessage {
	msg := SetupMessage{Setup: Setup{
		Model: model,
		GenerationConfig: GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}}
	if voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: VoiceConfig{PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: voice}},
		}
	}
	if instruction != "" {
		msg.Setup.SystemInstruction = &Content{Parts: []Part{{Text: instruction}}}
	}
	return msg
}

// RealtimeInputMessage streams microphone audio to the model.
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

// RealtimeInput carries one or more media chunks.
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

// MediaChunk is one base64-encoded audio payload.
type MediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// NewAudioInput wraps a captured frame for the wire.
func NewAudioInput(frame audio.AudioFrame) RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{
		MediaChunks: []MediaChunk{{
			MIMEType: frame.MimeType(),
			Data:     audio.WrapPayload(frame.Data),
		}},
	}}
}

// ── Incoming ───────────────────────────────────────────────────────────────────

// ServerMessage is any message sent by the service. Exactly one field is
// normally set; unknown fields are ignored.
type ServerMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *ServerContent   `json:"serverContent,omitempty"`
	Error         *Error           `json:"error,omitempty"`
}

// Error is an in-band error report.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// ServerContent carries model output for the current turn.
type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

// ModelTurn is the list of parts the model produced.
type ModelTurn struct {
	Parts []Part `json:"parts"`
}

// Part is either text or inline binary data.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is a base64 payload with its MIME type
// (e.g., "audio/pcm;rate=24000").
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// AudioParts returns the inline audio payloads of m in order.
func (m *ServerMessage) AudioParts() []InlineData {
	if m.ServerContent == nil || m.ServerContent.ModelTurn == nil {
		return nil
	}
	var out []InlineData
	for _, p := range m.ServerContent.ModelTurn.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			out = append(out, *p.InlineData)
		}
	}
	return out
}

// Interrupted reports whether the model stopped speaking because the user
// barged in.
func (m *ServerMessage) Interrupted() bool {
	return m.ServerContent != nil && m.ServerContent.Interrupted
}
