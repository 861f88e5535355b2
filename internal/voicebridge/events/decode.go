package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

// ErrEmptyName is returned for events without a name.
var ErrEmptyName = errors.New("event has no name")

type decoder func(body []byte) (Kind, Payload, error)

// decoders is keyed by the vendor-local event name.
var decoders = map[string]decoder{
	"connect":           fixed(KindConnected, decodeNotice),
	"connect_failed":    fixed(KindConnectFailed, decodeFailure),
	"disconnect":        fixed(KindDisconnected, decodeNotice),
	"maintenance":       fixed(KindMaintenance, decodeNotice),
	"error":             fixed(KindError, decodeFailure),
	"transcription":     decodeTranscription,
	"intent":            fixed(KindFinalResult, decodeIntent),
	"transfer":          fixed(KindFinalResult, decodeTransfer),
	"audio_provided":    fixed(KindClipReady, decodeClip),
	"play_audio":        fixed(KindClipReady, decodeClip),
	"end_of_utterance":  fixed(KindEndOfTurn, decodeNotice),
	"end_of_transcript": fixed(KindEndOfTurn, decodeNotice),
	"kill_audio":        fixed(KindEndOfTurn, decodeNotice),
}

func fixed(kind Kind, fn func([]byte) (Payload, error)) decoder {
	return func(body []byte) (Kind, Payload, error) {
		p, err := fn(body)
		return kind, p, err
	}
}

// SplitName splits "vendor::name". A name without a vendor has an empty vendor.
func SplitName(full string) (vendor, name string) {
	if i := strings.Index(full, "::"); i >= 0 {
		return full[:i], full[i+2:]
	}
	return "", full
}

// Decode classifies a raw endpoint event and decodes its payload. Names that
// are not recognized yield KindUnknown with a Notice payload and no error.
func Decode(raw call.RawEvent) (Event, error) {
	if raw.Name == "" {
		return Event{}, ErrEmptyName
	}
	vendor, name := SplitName(raw.Name)
	ev := Event{Vendor: vendor, Name: name}

	dec, ok := decoders[name]
	if !ok {
		ev.Kind = KindUnknown
		ev.Payload = Notice{Fields: fields(raw.Body)}
		return ev, nil
	}

	kind, payload, err := dec(raw.Body)
	if err != nil {
		return ev, fmt.Errorf("decode %s: %w", raw.Name, err)
	}
	ev.Kind = kind
	ev.Payload = payload
	return ev, nil
}

// fields best-effort decodes a JSON object for logging.
func fields(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return map[string]any{"body": string(body)}
	}
	return m
}

// unwrapData returns the "data" member of an audio fork message
// ({"type": "...", "data": {...}}), or body unchanged.
func unwrapData(body []byte) []byte {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Type == "" || len(envelope.Data) == 0 {
		return body
	}
	return envelope.Data
}

func decodeNotice(body []byte) (Payload, error) {
	return Notice{Fields: fields(body)}, nil
}

func decodeFailure(body []byte) (Payload, error) {
	f := Failure{Fields: fields(body)}
	for _, key := range []string{"error", "message", "reason"} {
		if v, ok := f.Fields[key]; ok {
			f.Message = fmt.Sprint(v)
			break
		}
	}
	if f.Message == "" && len(body) > 0 && f.Fields == nil {
		f.Message = string(body)
	}
	return f, nil
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type recognition struct {
	IsFinal      bool          `json:"is_final"`
	Alternatives []alternative `json:"alternatives"`
	LanguageCode string        `json:"language_code"`
	// dialogflow::transcription nests the result one level down.
	RecognitionResult *struct {
		IsFinal    bool    `json:"is_final"`
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	} `json:"recognition_result"`
}

func (r recognition) transcript() Transcript {
	if rr := r.RecognitionResult; rr != nil {
		return Transcript{Text: rr.Transcript, Confidence: rr.Confidence, Final: rr.IsFinal, Language: r.LanguageCode}
	}
	t := Transcript{Final: r.IsFinal, Language: r.LanguageCode}
	if len(r.Alternatives) > 0 {
		t.Text = r.Alternatives[0].Transcript
		t.Confidence = r.Alternatives[0].Confidence
	}
	return t
}

// decodeTranscription accepts the google object form, the aws array form,
// the dialogflow nested form and the audio fork envelope.
func decodeTranscription(body []byte) (Kind, Payload, error) {
	body = unwrapData(body)

	var r recognition
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var list []recognition
		if err := json.Unmarshal(body, &list); err != nil {
			return KindUnknown, nil, err
		}
		if len(list) > 0 {
			r = list[0]
		}
	} else if err := json.Unmarshal(body, &r); err != nil {
		return KindUnknown, nil, err
	}

	t := r.transcript()
	if t.Final {
		return KindFinalResult, t, nil
	}
	return KindPartialResult, t, nil
}

type fulfillmentMessage struct {
	Platform              string `json:"platform"`
	TelephonyTransferCall *struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"telephony_transfer_call"`
}

type detectIntentResponse struct {
	ResponseID  string `json:"response_id"`
	QueryResult *struct {
		QueryText                 string  `json:"query_text"`
		FulfillmentText           string  `json:"fulfillment_text"`
		IntentDetectionConfidence float64 `json:"intent_detection_confidence"`
		Intent                    *struct {
			DisplayName    string `json:"display_name"`
			EndInteraction bool   `json:"end_interaction"`
		} `json:"intent"`
		FulfillmentMessages []fulfillmentMessage `json:"fulfillment_messages"`
	} `json:"query_result"`
}

func decodeIntent(body []byte) (Payload, error) {
	var resp detectIntentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	in := Intent{ResponseID: resp.ResponseID}
	qr := resp.QueryResult
	if qr == nil {
		return in, nil
	}
	in.QueryText = qr.QueryText
	in.FulfillmentText = qr.FulfillmentText
	in.Confidence = qr.IntentDetectionConfidence
	if qr.Intent != nil {
		in.DisplayName = qr.Intent.DisplayName
		in.EndInteraction = qr.Intent.EndInteraction
	}
	for _, m := range qr.FulfillmentMessages {
		if m.Platform == "TELEPHONY" && m.TelephonyTransferCall != nil && m.TelephonyTransferCall.PhoneNumber != "" {
			in.TransferTo = m.TelephonyTransferCall.PhoneNumber
			break
		}
	}
	return in, nil
}

func decodeTransfer(body []byte) (Payload, error) {
	var msg struct {
		Target      string `json:"target"`
		Destination string `json:"destination"`
		PhoneNumber string `json:"phone_number"`
	}
	if err := json.Unmarshal(unwrapData(body), &msg); err != nil {
		return nil, err
	}
	target := msg.Target
	if target == "" {
		target = msg.Destination
	}
	if target == "" {
		target = msg.PhoneNumber
	}
	return Transfer{Target: target}, nil
}

func decodeClip(body []byte) (Payload, error) {
	var msg struct {
		Path string `json:"path"`
		File string `json:"file"`
	}
	if err := json.Unmarshal(unwrapData(body), &msg); err != nil {
		return nil, err
	}
	path := msg.Path
	if path == "" {
		path = msg.File
	}
	if path == "" {
		return nil, errors.New("clip without path")
	}
	return Clip{Path: path}, nil
}
