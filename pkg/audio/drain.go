package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to unblock a streaming producer whose output is no longer needed,
// such as a synthesis stream after the caller barged in.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
