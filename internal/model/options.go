package model

import "time"

// RunOptions are the global settings of one orchestrator invocation. They
// are assembled from command line flags and MTT_ environment variables.
type RunOptions struct {
	ExecutionID string `validate:"required"`
	Scratch     string `validate:"required"`
	DryRun      bool
	Verbose     bool
	StopOnFail  bool
	LoopForever bool
	// Duration bounds the whole run; zero means unbounded.
	Duration   time.Duration `validate:"gte=0"`
	NoReporter bool
	CleanStart bool

	Sections     []string
	SkipSections []string
	PluginDirs   []string

	HarassTrigger     []string
	HarassStop        []string
	HarassJoinTimeout time.Duration `validate:"gte=0"`

	EnvModuleWrapper string
	PoolSize         int `validate:"gte=0"`

	ELKHead    string
	ELKID      string
	ELKMaxSize int `validate:"gte=0"`
}
