package meter

// Level is the most recent measurement of one channel. It is either a
// PeakLevel or a VULevel.
type Level interface {
	level()
}

// PeakLevel is reported by DigitalPeak and PPM channels, in dB.
type PeakLevel struct {
	Current float64
	Hold    float64
	HasHold bool
}

// VULevel is reported by VU channels, in VU.
type VULevel struct {
	Current float64
}

func (PeakLevel) level() {}
func (VULevel) level()   {}

// Matches reports whether a level variant is valid for the meter type.
// No variant matches None.
func Matches(l Level, t MeterType) bool {
	switch l.(type) {
	case PeakLevel:
		return t.Holds()
	case VULevel:
		return t == VU
	default:
		return false
	}
}

// Snapshot is a read-only copy of the per-channel level records.
type Snapshot map[int]Level

// Clone returns a copy of s.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for ch, l := range s {
		out[ch] = l
	}
	return out
}
