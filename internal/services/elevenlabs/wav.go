package elevenlabs

import "encoding/binary"

const (
	bytesPerSample = 2
	channels       = 1
	wavHeaderSize  = 44
)

// encodeWAV prefixes 16-bit little-endian mono PCM with a canonical RIFF header.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	le := binary.LittleEndian
	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)
	le.PutUint16(out[20:22], 1)
	le.PutUint16(out[22:24], channels)
	le.PutUint32(out[24:28], uint32(sampleRate))
	le.PutUint32(out[28:32], uint32(sampleRate*channels*bytesPerSample))
	le.PutUint16(out[32:34], channels*bytesPerSample)
	le.PutUint16(out[34:36], 8*bytesPerSample)
	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}

func pcmDuration(byteCount, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(byteCount/bytesPerSample/channels) / float64(sampleRate)
}
