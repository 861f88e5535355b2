// Package events turns the named, JSON-bodied custom events a media endpoint
// emits into typed events and dispatches them to one handler per kind.
package events

// Kind is the closed set of event kinds the orchestrator reacts to.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnected
	KindConnectFailed
	KindDisconnected
	KindMaintenance
	KindError
	KindPartialResult
	KindFinalResult
	KindClipReady
	KindEndOfTurn
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindConnected:     "connected",
	KindConnectFailed: "connect-failed",
	KindDisconnected:  "disconnected",
	KindMaintenance:   "maintenance",
	KindError:         "generic-error",
	KindPartialResult: "partial-result",
	KindFinalResult:   "final-result",
	KindClipReady:     "clip-ready",
	KindEndOfTurn:     "end-of-turn",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Observational reports whether events of this kind only get logged.
func (k Kind) Observational() bool {
	switch k {
	case KindFinalResult, KindClipReady:
		return false
	default:
		return true
	}
}

// Event is one decoded endpoint event.
type Event struct {
	Kind    Kind
	Vendor  string // e.g. dialogflow, google_transcribe, mod_audio_fork
	Name    string // vendor-local name, e.g. intent
	Payload Payload
}

// Payload is implemented by the per-kind payload variants.
type Payload interface {
	isPayload()
}

// Notice carries the raw fields of an observational event.
type Notice struct {
	Fields map[string]any
}

// Failure carries a backend error description.
type Failure struct {
	Message string
	Fields  map[string]any
}

// Transcript is a speech recognition result.
type Transcript struct {
	Text       string
	Confidence float64
	Final      bool
	Language   string
}

// Intent is a dialog-engine resolution.
type Intent struct {
	ResponseID      string
	DisplayName     string
	QueryText       string
	FulfillmentText string
	Confidence      float64
	EndInteraction  bool
	// TransferTo is the telephony transfer destination, if any.
	TransferTo string
}

// Actionable reports whether the intent carries a response at all. An empty
// response id means the engine heard nothing it could use.
func (i Intent) Actionable() bool {
	return i.ResponseID != ""
}

// Transfer is a transfer request pushed by an audio fork server.
type Transfer struct {
	Target string
}

// Clip names an audio artifact ready to play.
type Clip struct {
	Path string
}

func (Notice) isPayload()     {}
func (Failure) isPayload()    {}
func (Transcript) isPayload() {}
func (Intent) isPayload()     {}
func (Transfer) isPayload()   {}
func (Clip) isPayload()       {}
