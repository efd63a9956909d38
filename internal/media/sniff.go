// Package media identifies audio container formats from decrypted
// bytes. Ciphertext carries no usable filename or content type, so the
// stream path sniffs the plaintext header instead.
package media

import "bytes"

// Format pairs a MIME type with a conventional file extension.
type Format struct {
	MIME      string
	Extension string
}

var (
	webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	oggMagic  = []byte("OggS")
	riffMagic = []byte("RIFF")
	waveTag   = []byte("WAVE")
	id3Magic  = []byte("ID3")
)

// DetectFormat sniffs the leading bytes of an audio payload. Unknown
// data falls back to application/octet-stream so playback degrades to
// a download rather than an error.
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, webmMagic):
		return Format{MIME: "audio/webm", Extension: ".webm"}
	case bytes.HasPrefix(data, oggMagic):
		return Format{MIME: "audio/ogg", Extension: ".ogg"}
	case len(data) >= 12 && bytes.HasPrefix(data, riffMagic) && bytes.Equal(data[8:12], waveTag):
		return Format{MIME: "audio/wav", Extension: ".wav"}
	case bytes.HasPrefix(data, id3Magic):
		return Format{MIME: "audio/mpeg", Extension: ".mp3"}
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// Raw MPEG frame sync without an ID3 header.
		return Format{MIME: "audio/mpeg", Extension: ".mp3"}
	default:
		return Format{MIME: "application/octet-stream", Extension: ".bin"}
	}
}
