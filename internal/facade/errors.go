package facade

import "fmt"

func errJobNotCancellable(id string) error {
	return fmt.Errorf("job %s is unknown or already in a terminal state", id)
}

func errJobNotRetryable(id string) error {
	return fmt.Errorf("job %s is not eligible for retry", id)
}

func errJobNotRunning(id string) error {
	return fmt.Errorf("job %s is not running", id)
}

func errJobNotPaused(id string) error {
	return fmt.Errorf("job %s is not paused", id)
}
