package queue

import "time"

// Config holds every tunable the core recognizes, per the spec's
// configuration table. Zero values are not sensible defaults; use
// DefaultConfig and override from there.
type Config struct {
	MaxConcurrentGlobal       int
	MaxConcurrentPerAgent     int
	MaxConcurrentPerWorkspace int

	MaxQueueSize int

	DefaultPriority   Priority
	DefaultMaxRetries int

	EnablePersistence bool
	StorePath         string

	AutosaveInterval time.Duration

	StreamBufferSize int
	DropStrategy     DropStrategy

	RunTimeout         time.Duration
	WorkerPollInterval time.Duration

	HeadroomEnabled   bool
	HeadroomThreshold float64

	FacadeAddr string
}

// DefaultConfig returns the reference defaults, matching the original
// system's QueueConfig.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentGlobal:       4,
		MaxConcurrentPerAgent:     2,
		MaxConcurrentPerWorkspace: 4,
		MaxQueueSize:              100,
		DefaultPriority:           PriorityNormal,
		DefaultMaxRetries:         3,
		EnablePersistence:         true,
		StorePath:                 ".praison/queue.db",
		AutosaveInterval:          30 * time.Second,
		StreamBufferSize:          1000,
		DropStrategy:              DropOldest,
		RunTimeout:                0,
		WorkerPollInterval:        100 * time.Millisecond,
		HeadroomEnabled:           true,
		HeadroomThreshold:         0.75,
		FacadeAddr:                "",
	}
}
