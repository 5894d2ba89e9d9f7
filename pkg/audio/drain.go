package audio

// DrainPending discards every value already buffered in ch without blocking
// and returns how many were dropped. Use it to flush stale frames from a
// hand-off channel before a new consumer starts reading.
func DrainPending[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
