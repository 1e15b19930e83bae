package render

// shade adds delta to each RGB channel of an ARGB color, clamping to [0,255].
func shade(c uint32, delta int) uint32 {
	a := c & 0xFF000000
	r := clampInt(int(c>>16&0xFF)+delta, 0, 255)
	g := clampInt(int(c>>8&0xFF)+delta, 0, 255)
	b := clampInt(int(c&0xFF)+delta, 0, 255)
	return a | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

// blend mixes other into c; ratio is the weight of other.
func blend(c, other uint32, ratio float32) uint32 {
	inv := 1 - ratio
	mix := func(shift uint) uint32 {
		x := float32(c>>shift&0xFF)*inv + float32(other>>shift&0xFF)*ratio
		return uint32(x) & 0xFF
	}
	return mix(24)<<24 | mix(16)<<16 | mix(8)<<8 | mix(0)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
