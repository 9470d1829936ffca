package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data on a streaming channel
// (e.g. a realtime event stream during teardown) is no longer needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
