package audiosocket

import "github.com/zaf/g711"

// AlawToPCM decodes G.711 A-law payload to 16-bit little-endian linear PCM.
func AlawToPCM(alaw []byte) []byte {
	return g711.DecodeAlaw(alaw)
}

// PCMToAlaw encodes 16-bit little-endian linear PCM to G.711 A-law.
func PCMToAlaw(pcm []byte) []byte {
	return g711.EncodeAlaw(pcm)
}
