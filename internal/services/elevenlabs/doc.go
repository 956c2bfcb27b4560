// Package elevenlabs implements backend.VoiceSynthesizer against the
// ElevenLabs text-to-speech API.
//
// Audio is requested as raw 16-bit mono PCM so the clip duration is exact
// (sample count over sample rate) and the bytes are wrapped in a WAV header
// locally. HTTP failures are classified with backend.StatusError: 429 and 5xx
// retry, 401/402/403 abort the run, anything else fails the event.
package elevenlabs
