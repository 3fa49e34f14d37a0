package rtmt

// Telephony dialect translation.
//
// The telephony media gateway speaks a kind-discriminated JSON dialect over
// its media WebSocket. Only two inbound kinds matter to the relay: the
// AudioMetadata frame that opens the stream (answered by configuring the
// upstream session) and AudioData frames carrying base64 audio. Everything
// else is dropped. Outbound, only model audio deltas and the barge-in signal
// have a telephony representation; all other upstream events are dropped for
// telephony clients.

// telephonyAudioData carries a base64-encoded audio payload. The bytes pass
// through the relay opaquely; no transcoding happens here.
type telephonyAudioData struct {
	Data string `json:"data"`
}

// telephonyEvent is an outbound frame in the telephony dialect. AudioData is
// deliberately not omitempty: the StopAudio frame carries an explicit
// audioData null.
type telephonyEvent struct {
	Kind      string              `json:"kind"`
	AudioData *telephonyAudioData `json:"audioData"`
	StopAudio *struct{}           `json:"stopAudio,omitempty"`
}

// telephonyToUpstream maps one inbound telephony frame to its upstream
// realtime event, or nil when the frame has no upstream meaning.
//
//   - AudioMetadata opens the stream: synthesize the session.update that
//     configures the upstream with the server-enforced settings and a fixed
//     server-side VAD block.
//   - AudioData becomes input_audio_buffer.append with the payload untouched.
func (p *processor) telephonyToUpstream(msg map[string]any) map[string]any {
	kind, _ := msg["kind"].(string)
	switch kind {
	case "AudioMetadata":
		session := map[string]any{
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.7,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
			},
		}
		p.enforceSession(session)
		return map[string]any{
			"type":    "session.update",
			"session": session,
		}

	case "AudioData":
		audioData, _ := msg["audioData"].(map[string]any)
		data, _ := audioData["data"].(string)
		return map[string]any{
			"type":  "input_audio_buffer.append",
			"audio": data,
		}

	default:
		return nil
	}
}

// upstreamToTelephony maps one upstream realtime event to its telephony
// frame, or nil when the event has no telephony representation.
//
// input_audio_buffer.speech_started means the caller interrupted the model:
// the gateway is told to discard its queued playback.
func upstreamToTelephony(msg map[string]any) *telephonyEvent {
	switch eventType(msg) {
	case "response.audio.delta":
		delta, _ := msg["delta"].(string)
		return &telephonyEvent{
			Kind:      "AudioData",
			AudioData: &telephonyAudioData{Data: delta},
		}

	case "input_audio_buffer.speech_started":
		return &telephonyEvent{
			Kind:      "StopAudio",
			AudioData: nil,
			StopAudio: &struct{}{},
		}

	default:
		return nil
	}
}
