package asr

// ringCapacity bounds the rolling window of active hypothesis tokens.
const ringCapacity = 72

// tokenRing is a fixed-capacity ring of recognized tokens with a
// write head and a last-delivered head. When full, the oldest token
// is overwritten and never read again. Indices wrap modulo the
// capacity at access time; the ring holds at most ringCapacity tokens
// between flushes, so unbounded counter growth within one window is
// not a concern.
type tokenRing struct {
	slots     [ringCapacity]Token
	start     int // index of the oldest retained token
	count     int // retained tokens, <= ringCapacity
	delivered int // leading tokens already handed to the handler
}

func (r *tokenRing) push(t Token) {
	if r.count == ringCapacity {
		r.slots[r.start] = t
		r.start = (r.start + 1) % ringCapacity
		if r.delivered > 0 {
			r.delivered--
		}
		return
	}
	r.slots[(r.start+r.count)%ringCapacity] = t
	r.count++
}

func (r *tokenRing) len() int { return r.count }

func (r *tokenRing) pending() int { return r.count - r.delivered }

// at returns the i-th oldest retained token.
func (r *tokenRing) at(i int) Token {
	return r.slots[(r.start+i)%ringCapacity]
}

// undelivered copies out the tokens pushed since the last delivery,
// oldest first. The caller owns the returned slice; the ring retains
// no aliasing reference into it.
func (r *tokenRing) undelivered() []Token {
	n := r.pending()
	if n == 0 {
		return nil
	}
	out := make([]Token, 0, n)
	for i := r.delivered; i < r.count; i++ {
		out = append(out, r.at(i))
	}
	return out
}

func (r *tokenRing) markDelivered() { r.delivered = r.count }

// reset drops all tokens, delivered or not.
func (r *tokenRing) reset() {
	r.start, r.count, r.delivered = 0, 0, 0
}
