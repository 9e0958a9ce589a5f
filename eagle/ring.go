package eagle

// ring is the set of host frame buffers a run cycles through.  It outlives
// runs; buffers are kept while the frame size does not change.
type ring struct {
	bufs [][]uint16
}

// ensure sizes the ring to n buffers of length pixels
func (r *ring) ensure(n, length int) (err error) {
	if len(r.bufs) > 0 && len(r.bufs[0]) != length {
		r.bufs = nil
	}
	if len(r.bufs) >= n {
		r.bufs = r.bufs[:n]
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.bufs = nil
			err = newError(MemoryAllocation, "%d frame buffers of %d pixels: %v", n, length, rec)
		}
	}()
	for len(r.bufs) < n {
		r.bufs = append(r.bufs, make([]uint16, length))
	}
	return nil
}

func (r *ring) slot(i int) []uint16 {
	return r.bufs[i]
}

func (r *ring) len() int {
	return len(r.bufs)
}
