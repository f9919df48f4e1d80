package voiceloop

import "encoding/json"

// inboundFrame is the union of gateway→server WS frames from spec.md §6.1.
// Only the fields relevant to Type are populated; unmarshal is permissive
// since json.Unmarshal leaves absent fields at their zero value.
type inboundFrame struct {
	Type string `json:"type"`

	// setup
	CallSid   string `json:"callSid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction"`

	// prompt
	VoicePrompt string `json:"voicePrompt"`
	Last        bool   `json:"last"`

	// interrupt
	UtteranceUntilInterrupt string `json:"utteranceUntilInterrupt"`

	// dtmf
	Digit string `json:"digit"`

	// error
	Description string `json:"description"`
}

const (
	frameSetup     = "setup"
	framePrompt    = "prompt"
	frameInterrupt = "interrupt"
	frameDTMF      = "dtmf"
	frameError     = "error"
	framePing      = "ping"
	framePong      = "pong"
	frameHangup    = "hangup"
)

func parseInboundFrame(raw []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return inboundFrame{}, err
	}
	return f, nil
}

// textFrame is the outbound `text` speech-fragment frame.
type textFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

func newTextFrame(token string, last bool) textFrame {
	return textFrame{Type: "text", Token: token, Last: last}
}

// languageFrame switches the gateway's TTS/transcription locale.
type languageFrame struct {
	Type                  string `json:"type"`
	TTSLanguage           string `json:"ttsLanguage"`
	TranscriptionLanguage string `json:"transcriptionLanguage"`
}

// endFrame signals graceful session end.
type endFrame struct {
	Type string `json:"type"`
}

func newEndFrame() endFrame { return endFrame{Type: "end"} }

// clearOutputFrame is the barge-in control frame telling the gateway to drop
// queued TTS audio.
type clearOutputFrame struct {
	Type string `json:"type"`
}

func newClearOutputFrame() clearOutputFrame { return clearOutputFrame{Type: "clear-output"} }
