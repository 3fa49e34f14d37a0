package rtmt

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/voxbridge/internal/tools"
)

func TestTelephony_AudioMetadataConfiguresSession(t *testing.T) {
	t.Parallel()

	proc, _, upstream := newTestProcessor(t, tools.NewRegistry(), true)
	in := toJSON(t, map[string]any{"kind": "AudioMetadata", "audioMetadata": map[string]any{"encoding": "pcm"}})
	if err := proc.processToUpstream(context.Background(), in); err != nil {
		t.Fatalf("processToUpstream: %v", err)
	}

	got := upstream.last(t)
	if got["type"] != "session.update" {
		t.Fatalf("event = %v; want session.update", got["type"])
	}
	session, _ := got["session"].(map[string]any)
	vad, _ := session["turn_detection"].(map[string]any)
	if vad["type"] != "server_vad" {
		t.Fatalf("turn_detection = %v; want server_vad", vad)
	}
	if vad["threshold"] != 0.7 {
		t.Errorf("threshold = %v; want 0.7", vad["threshold"])
	}
	if vad["prefix_padding_ms"] != float64(300) {
		t.Errorf("prefix_padding_ms = %v; want 300", vad["prefix_padding_ms"])
	}
	if vad["silence_duration_ms"] != float64(500) {
		t.Errorf("silence_duration_ms = %v; want 500", vad["silence_duration_ms"])
	}
	// The enforced configuration rides along with the VAD block.
	if session["voice"] != DefaultVoice {
		t.Errorf("voice = %v; want %q", session["voice"], DefaultVoice)
	}
	if session["instructions"] != "Answer from the knowledge base only." {
		t.Errorf("instructions = %v; want the server system message", session["instructions"])
	}
}

func TestTelephony_AudioDataBecomesBufferAppend(t *testing.T) {
	t.Parallel()

	proc, _, upstream := newTestProcessor(t, tools.NewRegistry(), true)
	in := toJSON(t, map[string]any{"kind": "AudioData", "audioData": map[string]any{"data": "AAECAw=="}})
	if err := proc.processToUpstream(context.Background(), in); err != nil {
		t.Fatalf("processToUpstream: %v", err)
	}

	got := upstream.last(t)
	if got["type"] != "input_audio_buffer.append" {
		t.Fatalf("event = %v; want input_audio_buffer.append", got["type"])
	}
	if got["audio"] != "AAECAw==" {
		t.Errorf("audio = %v; want the base64 payload untouched", got["audio"])
	}
}

func TestTelephony_UnknownKindsAreDropped(t *testing.T) {
	t.Parallel()

	proc, _, upstream := newTestProcessor(t, tools.NewRegistry(), true)
	for _, kind := range []string{"DtmfData", "Transcription", ""} {
		in := toJSON(t, map[string]any{"kind": kind})
		if err := proc.processToUpstream(context.Background(), in); err != nil {
			t.Fatalf("processToUpstream(%q): %v", kind, err)
		}
	}
	if len(upstream.frames) != 0 {
		t.Errorf("upstream got %d frames; want 0", len(upstream.frames))
	}
}

func TestTelephony_AudioDeltaBecomesAudioData(t *testing.T) {
	t.Parallel()

	proc, client, _ := newTestProcessor(t, tools.NewRegistry(), true)
	in := toJSON(t, map[string]any{"type": "response.audio.delta", "delta": "BAUGBw=="})
	if err := proc.processToClient(context.Background(), in); err != nil {
		t.Fatalf("processToClient: %v", err)
	}

	got := client.last(t)
	if got["kind"] != "AudioData" {
		t.Fatalf("kind = %v; want AudioData", got["kind"])
	}
	audio, _ := got["audioData"].(map[string]any)
	if audio["data"] != "BAUGBw==" {
		t.Errorf("data = %v; want the delta payload", audio["data"])
	}
}

func TestTelephony_SpeechStartedBecomesStopAudio(t *testing.T) {
	t.Parallel()

	proc, client, _ := newTestProcessor(t, tools.NewRegistry(), true)
	in := toJSON(t, map[string]any{"type": "input_audio_buffer.speech_started", "audio_start_ms": 120})
	if err := proc.processToClient(context.Background(), in); err != nil {
		t.Fatalf("processToClient: %v", err)
	}

	got := client.last(t)
	if got["kind"] != "StopAudio" {
		t.Fatalf("kind = %v; want StopAudio", got["kind"])
	}
	// The gateway requires the explicit audioData null alongside stopAudio.
	raw := string(client.raw[len(client.raw)-1])
	if !strings.Contains(raw, `"audioData":null`) {
		t.Errorf("frame %s; want an explicit audioData null", raw)
	}
	if !strings.Contains(raw, `"stopAudio":{}`) {
		t.Errorf("frame %s; want an empty stopAudio object", raw)
	}
}

func TestTelephony_NonAudioUpstreamEventsAreDropped(t *testing.T) {
	t.Parallel()

	proc, client, _ := newTestProcessor(t, tools.NewRegistry(), true)
	for _, typ := range []string{
		"response.audio_transcript.delta",
		"conversation.item.input_audio_transcription.completed",
		"response.text.delta",
	} {
		in := toJSON(t, map[string]any{"type": typ, "delta": "x"})
		if err := proc.processToClient(context.Background(), in); err != nil {
			t.Fatalf("processToClient(%q): %v", typ, err)
		}
	}
	if len(client.frames) != 0 {
		t.Errorf("client got %d frames; want 0", len(client.frames))
	}
}

func TestTelephony_SessionLifecycleStaysServerSide(t *testing.T) {
	t.Parallel()

	proc, client, upstream := newTestProcessor(t, tools.NewRegistry(), true)

	// session.updated still drives the conversation opener upstream, but the
	// gateway never sees a realtime lifecycle event.
	in := toJSON(t, map[string]any{"type": "session.updated", "session": map[string]any{}})
	if err := proc.processToClient(context.Background(), in); err != nil {
		t.Fatalf("processToClient: %v", err)
	}
	if got := upstream.last(t)["type"]; got != "response.create" {
		t.Errorf("upstream event = %v; want response.create", got)
	}
	if len(client.frames) != 0 {
		t.Errorf("client got %d frames; want 0", len(client.frames))
	}
}
