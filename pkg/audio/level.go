package audio

import (
	"encoding/binary"
	"math"
)

// RMS computes the root-mean-square level of an s16le mono chunk,
// normalised to [0, 1]. Used for UI level meters; must stay cheap enough
// to run on the capture callback path.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		f := float64(s)
		sum += f * f
	}

	rms := math.Sqrt(sum/float64(n)) / 32768.0
	if rms > 1 {
		rms = 1
	}
	return rms
}
