package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// FlowKind selects how the initial control command sequence is built and how
// final results are interpreted.
type FlowKind string

const (
	FlowDialogflow FlowKind = "dialogflow"
	FlowTranscribe FlowKind = "transcribe"
	FlowAudioFork  FlowKind = "audio_fork"
	FlowTTS        FlowKind = "tts"
)

// TransferMethod selects the transfer strategy.
type TransferMethod string

const (
	// TransferRefer asks the far end to reconnect elsewhere (SIP REFER).
	TransferRefer TransferMethod = "refer"
	// TransferInvite originates a new leg and links it to the caller's dialog.
	TransferInvite TransferMethod = "invite"
)

// Greeting is played before the feature starts.
type Greeting struct {
	Silence string // play source, e.g. silence_stream://1000
	Engine  string
	Voice   string
	Text    string
}

// Feature describes the backend capability started on the endpoint.
type Feature struct {
	Name         string
	Vendor       string // event name prefix, e.g. "dialogflow" in dialogflow::intent
	Args         string // ${var} template, split on whitespace after expansion
	StartEvent   string
	NoInputEvent string
	Project      string
	Lang         string
	Timeout      int
	URL          string
	Mix          string
	Rate         int
}

// Echo speaks final transcriptions back to the caller.
type Echo struct {
	Enabled        bool
	Template       string // ${transcript} and ${confidence} are expanded
	RestartOnFinal bool
}

// Transfer configures the transfer protocol.
type Transfer struct {
	Method      TransferMethod
	Domain      string // host part for transfer URIs, defaults to the caller's source address
	DialTimeout time.Duration
}

// Flow is the per-call profile read from the flow INI file. Values are opaque
// to the orchestrator and passed through to the media server.
type Flow struct {
	Kind                FlowKind
	Greeting            Greeting
	Feature             Feature
	Echo                Echo
	Transfer            Transfer
	WatchdogDelay       time.Duration
	HangupAfterGreeting bool

	// RestartAfterPlayback re-issues the feature start once a prompt that
	// ended neither in a hangup nor a transfer has played.
	RestartAfterPlayback bool
}

// DefaultFlow returns the built-in profile for kind.
func DefaultFlow(kind FlowKind) *Flow {
	f := &Flow{
		Kind:          kind,
		Transfer:      Transfer{Method: TransferRefer, DialTimeout: 30 * time.Second},
		WatchdogDelay: time.Second,
		Echo:          Echo{Template: "I heard you say: ${transcript}"},
	}

	switch kind {
	case FlowDialogflow:
		f.RestartAfterPlayback = true
		f.Feature = Feature{
			Name:         "dialogflow",
			Vendor:       "dialogflow",
			Args:         "${project} ${lang} ${timeout} ${event}",
			StartEvent:   "welcome",
			NoInputEvent: "actions_intent_NO_INPUT",
			Lang:         "en-US",
			Timeout:      30,
		}
	case FlowTranscribe:
		f.Feature = Feature{
			Name:   "transcribe",
			Vendor: "google_transcribe",
			Args:   "${lang} interim",
			Lang:   "en-US",
		}
		f.Echo.Enabled = true
		f.Greeting = Greeting{Engine: "google_tts", Voice: "en-GB-Wavenet-A", Text: "Please say something and we will transcribe it."}
	case FlowAudioFork:
		f.Feature = Feature{
			Name:   "audio_fork",
			Vendor: "mod_audio_fork",
			Args:   "${url} ${mix} ${rate} ${metadata}",
			Mix:    "mono",
			Rate:   16000,
		}
		f.Greeting = Greeting{
			Silence: "silence_stream://1000",
			Engine:  "google_tts",
			Voice:   "en-GB-Wavenet-A",
			Text:    "Hi there. Please go ahead and make a recording and then hangup",
		}
	case FlowTTS:
		f.Greeting = Greeting{Engine: "google_tts", Voice: "en-GB-Wavenet-A", Text: "Hello, this is a test of text to speech."}
		f.HangupAfterGreeting = true
	}
	return f
}

// LoadFlow reads a flow profile from path. A missing file yields the
// dialogflow defaults.
func LoadFlow(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("[Config] Flow file not found, using defaults", "path", path, "kind", FlowDialogflow)
		return DefaultFlow(FlowDialogflow), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	return ParseFlow(data)
}

// ParseFlow parses INI data. Keys that are absent keep the defaults of the
// selected kind.
func ParseFlow(data []byte) (*Flow, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parse flow: %w", err)
	}

	root := file.Section("")
	kind := FlowKind(strings.ToLower(root.Key("kind").MustString(string(FlowDialogflow))))
	f := DefaultFlow(kind)
	f.WatchdogDelay = root.Key("watchdog_delay").MustDuration(f.WatchdogDelay)
	f.HangupAfterGreeting = root.Key("hangup_after_greeting").MustBool(f.HangupAfterGreeting)
	f.RestartAfterPlayback = root.Key("restart_after_playback").MustBool(f.RestartAfterPlayback)

	sec := file.Section("greeting")
	f.Greeting.Silence = sec.Key("silence").MustString(f.Greeting.Silence)
	f.Greeting.Engine = sec.Key("engine").MustString(f.Greeting.Engine)
	f.Greeting.Voice = sec.Key("voice").MustString(f.Greeting.Voice)
	f.Greeting.Text = sec.Key("text").MustString(f.Greeting.Text)

	sec = file.Section("feature")
	f.Feature.Name = sec.Key("name").MustString(f.Feature.Name)
	f.Feature.Vendor = sec.Key("vendor").MustString(f.Feature.Vendor)
	f.Feature.Args = sec.Key("args").MustString(f.Feature.Args)
	f.Feature.StartEvent = sec.Key("start_event").MustString(f.Feature.StartEvent)
	f.Feature.NoInputEvent = sec.Key("no_input_event").MustString(f.Feature.NoInputEvent)
	f.Feature.Project = sec.Key("project").MustString(f.Feature.Project)
	f.Feature.Lang = sec.Key("lang").MustString(f.Feature.Lang)
	f.Feature.Timeout = sec.Key("timeout").MustInt(f.Feature.Timeout)
	f.Feature.URL = sec.Key("url").MustString(f.Feature.URL)
	f.Feature.Mix = sec.Key("mix").MustString(f.Feature.Mix)
	f.Feature.Rate = sec.Key("rate").MustInt(f.Feature.Rate)

	sec = file.Section("echo")
	f.Echo.Enabled = sec.Key("enabled").MustBool(f.Echo.Enabled)
	f.Echo.Template = sec.Key("template").MustString(f.Echo.Template)
	f.Echo.RestartOnFinal = sec.Key("restart_on_final").MustBool(f.Echo.RestartOnFinal)

	sec = file.Section("transfer")
	f.Transfer.Method = TransferMethod(strings.ToLower(sec.Key("method").MustString(string(f.Transfer.Method))))
	f.Transfer.Domain = sec.Key("domain").MustString(f.Transfer.Domain)
	f.Transfer.DialTimeout = sec.Key("dial_timeout").MustDuration(f.Transfer.DialTimeout)

	return f, f.Validate()
}

// Validate rejects profiles the orchestrator cannot run.
func (f *Flow) Validate() error {
	switch f.Kind {
	case FlowDialogflow, FlowTranscribe, FlowAudioFork, FlowTTS:
	default:
		return fmt.Errorf("unknown flow kind %q", f.Kind)
	}
	switch f.Transfer.Method {
	case TransferRefer, TransferInvite:
	default:
		return fmt.Errorf("unknown transfer method %q", f.Transfer.Method)
	}
	if f.WatchdogDelay <= 0 {
		return fmt.Errorf("watchdog delay must be positive, got %s", f.WatchdogDelay)
	}
	if f.Feature.Name == "" && f.Greeting.Text == "" && f.Greeting.Silence == "" {
		return errors.New("flow has neither a greeting nor a feature")
	}
	return nil
}

// FeatureArgs expands the feature argument template. Variables that are not
// set expand to nothing and the resulting empty arguments are dropped.
func (f *Flow) FeatureArgs(vars map[string]string) []string {
	expanded := os.Expand(f.Feature.Args, func(name string) string {
		return vars[name]
	})
	return strings.Fields(expanded)
}

// EchoText expands the echo template for a final transcript. Confidence is
// rendered as a whole percentage.
func (f *Flow) EchoText(transcript string, confidence float64) string {
	return os.Expand(f.Echo.Template, func(name string) string {
		switch name {
		case "transcript":
			return transcript
		case "confidence":
			return strconv.Itoa(int(confidence * 100))
		}
		return ""
	})
}
