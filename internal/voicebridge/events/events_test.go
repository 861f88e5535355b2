package events

import (
	"testing"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

func TestSplitName(t *testing.T) {
	tests := []struct {
		in, vendor, name string
	}{
		{"dialogflow::intent", "dialogflow", "intent"},
		{"mod_audio_fork::play_audio", "mod_audio_fork", "play_audio"},
		{"intent", "", "intent"},
	}
	for _, tt := range tests {
		v, n := SplitName(tt.in)
		if v != tt.vendor || n != tt.name {
			t.Errorf("SplitName(%q) = %q, %q, want %q, %q", tt.in, v, n, tt.vendor, tt.name)
		}
	}
}

func TestDecodeKinds(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Kind
	}{
		{"dialogflow::connect", `{}`, KindConnected},
		{"deepgram_transcribe::connect_failed", `{"reason":"401"}`, KindConnectFailed},
		{"mod_audio_fork::disconnect", ``, KindDisconnected},
		{"google_transcribe::maintenance", `{"type":"x"}`, KindMaintenance},
		{"dialogflow::error", `{"error":"quota"}`, KindError},
		{"dialogflow::end_of_utterance", `{}`, KindEndOfTurn},
		{"aws_transcribe::end_of_transcript", `{}`, KindEndOfTurn},
		{"mod_audio_fork::kill_audio", `{}`, KindEndOfTurn},
		{"dialogflow::audio_provided", `{"path":"/tmp/a.wav"}`, KindClipReady},
		{"google_transcribe::vad_detected", `{}`, KindUnknown},
		{"mystery", `not json`, KindUnknown},
	}
	for _, tt := range tests {
		ev, err := Decode(call.RawEvent{Name: tt.name, Body: []byte(tt.body)})
		if err != nil {
			t.Errorf("Decode(%q) error = %v", tt.name, err)
			continue
		}
		if ev.Kind != tt.want {
			t.Errorf("Decode(%q).Kind = %v, want %v", tt.name, ev.Kind, tt.want)
		}
	}
}

func TestDecodeEmptyName(t *testing.T) {
	if _, err := Decode(call.RawEvent{}); err != ErrEmptyName {
		t.Errorf("Decode() error = %v, want ErrEmptyName", err)
	}
}

func TestDecodeFailureMessage(t *testing.T) {
	ev, _ := Decode(call.RawEvent{Name: "dialogflow::error", Body: []byte(`{"error":"quota exceeded"}`)})
	f, ok := ev.Payload.(Failure)
	if !ok || f.Message != "quota exceeded" {
		t.Errorf("payload = %#v", ev.Payload)
	}
}

func TestDecodeIntentTransfer(t *testing.T) {
	body := `{
		"response_id": "r-1",
		"query_result": {
			"query_text": "talk to a human",
			"fulfillment_text": "Transferring you now",
			"intent": {"display_name": "agent.transfer", "end_interaction": false},
			"fulfillment_messages": [
				{"platform": "PLATFORM_UNSPECIFIED", "text": {"text": ["hi"]}},
				{"platform": "TELEPHONY", "telephony_transfer_call": {"phone_number": "+15551234"}}
			]
		}
	}`
	ev, err := Decode(call.RawEvent{Name: "dialogflow::intent", Body: []byte(body)})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ev.Kind != KindFinalResult {
		t.Fatalf("Kind = %v, want final-result", ev.Kind)
	}
	in := ev.Payload.(Intent)
	if !in.Actionable() {
		t.Errorf("Actionable() = false")
	}
	if in.TransferTo != "+15551234" {
		t.Errorf("TransferTo = %q", in.TransferTo)
	}
	if in.DisplayName != "agent.transfer" || in.QueryText != "talk to a human" {
		t.Errorf("intent = %+v", in)
	}
}

func TestDecodeIntentNoInput(t *testing.T) {
	ev, err := Decode(call.RawEvent{Name: "dialogflow::intent", Body: []byte(`{"response_id":"","query_result":{}}`)})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	in := ev.Payload.(Intent)
	if in.Actionable() {
		t.Errorf("Actionable() = true for empty response id")
	}
	if in.EndInteraction || in.TransferTo != "" {
		t.Errorf("intent = %+v", in)
	}
}

func TestDecodeTranscriptionForms(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantKind Kind
		wantText string
		wantConf float64
	}{
		{"google_transcribe::transcription", `{"is_final":true,"alternatives":[{"transcript":"hello","confidence":0.9}]}`, KindFinalResult, "hello", 0.9},
		{"google_transcribe::transcription", `{"is_final":false,"alternatives":[{"transcript":"hel"}]}`, KindPartialResult, "hel", 0},
		{"aws_transcribe::transcription", `[{"is_final":true,"alternatives":[{"transcript":"from aws"}]}]`, KindFinalResult, "from aws", 0},
		{"dialogflow::transcription", `{"recognition_result":{"is_final":false,"transcript":"talk to"}}`, KindPartialResult, "talk to", 0},
		{"mod_audio_fork::transcription", `{"type":"transcription","data":{"is_final":true,"alternatives":[{"transcript":"forked"}]}}`, KindFinalResult, "forked", 0},
	}
	for _, tt := range tests {
		ev, err := Decode(call.RawEvent{Name: tt.name, Body: []byte(tt.body)})
		if err != nil {
			t.Errorf("Decode(%s) error = %v", tt.body, err)
			continue
		}
		tr, ok := ev.Payload.(Transcript)
		if !ok {
			t.Errorf("Decode(%s) payload = %T", tt.body, ev.Payload)
			continue
		}
		if ev.Kind != tt.wantKind || tr.Text != tt.wantText || tr.Confidence != tt.wantConf {
			t.Errorf("Decode(%s) = %v %+v", tt.body, ev.Kind, tr)
		}
	}
}

func TestDecodeForkPayloads(t *testing.T) {
	ev, err := Decode(call.RawEvent{Name: "mod_audio_fork::play_audio", Body: []byte(`{"type":"playAudio","data":{"file":"/tmp/x.r16"}}`)})
	if err != nil {
		t.Fatalf("Decode(play_audio) error = %v", err)
	}
	if clip := ev.Payload.(Clip); clip.Path != "/tmp/x.r16" {
		t.Errorf("clip path = %q", clip.Path)
	}

	ev, err = Decode(call.RawEvent{Name: "mod_audio_fork::transfer", Body: []byte(`{"type":"transfer","data":{"target":"1000"}}`)})
	if err != nil {
		t.Fatalf("Decode(transfer) error = %v", err)
	}
	if ev.Kind != KindFinalResult || ev.Payload.(Transfer).Target != "1000" {
		t.Errorf("transfer = %v %+v", ev.Kind, ev.Payload)
	}
}

func TestDecodeClipWithoutPath(t *testing.T) {
	if _, err := Decode(call.RawEvent{Name: "dialogflow::audio_provided", Body: []byte(`{}`)}); err == nil {
		t.Errorf("Decode() error = nil, want error for clip without path")
	}
}

func TestAdapterDispatch(t *testing.T) {
	a := NewAdapter(nil)
	var got []Kind
	a.Handle(KindFinalResult, func(ev Event) { got = append(got, ev.Kind) })
	a.Handle(KindClipReady, func(ev Event) { got = append(got, ev.Kind) })
	a.Handle(KindError, func(ev Event) { panic("boom") })

	a.Dispatch(call.RawEvent{Name: "dialogflow::intent", Body: []byte(`{"response_id":"x"}`)})
	a.Dispatch(call.RawEvent{Name: "dialogflow::error", Body: []byte(`{}`)})
	a.Dispatch(call.RawEvent{Name: "dialogflow::vad_detected", Body: []byte(`{}`)})
	a.Dispatch(call.RawEvent{Name: "dialogflow::intent", Body: []byte(`{broken`)})
	a.Dispatch(call.RawEvent{Name: "dialogflow::audio_provided", Body: []byte(`{"path":"/a.wav"}`)})

	want := []Kind{KindFinalResult, KindClipReady}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatched[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAdapterHandleReplaces(t *testing.T) {
	a := NewAdapter(nil)
	calls := 0
	a.Handle(KindEndOfTurn, func(Event) { calls += 10 })
	a.Handle(KindEndOfTurn, func(Event) { calls++ })

	a.Dispatch(call.RawEvent{Name: "x::end_of_utterance"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestKindString(t *testing.T) {
	if KindFinalResult.String() != "final-result" {
		t.Errorf("String() = %q", KindFinalResult.String())
	}
	if !KindPartialResult.Observational() || KindClipReady.Observational() {
		t.Errorf("Observational() mismatch")
	}
}
