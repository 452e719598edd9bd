package ingestor

import "errors"

var (
	// ErrContentNotFound is returned when a content ID does not exist.
	ErrContentNotFound = errors.New("ingestor: content not found")

	// ErrEntityNotFound is returned when an entity ID does not exist.
	ErrEntityNotFound = errors.New("ingestor: entity not found")

	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("ingestor: job not found")

	// ErrBatchNotFound is returned when a batch ID is unknown or already done.
	ErrBatchNotFound = errors.New("ingestor: batch not found")

	// ErrEngineClosed is returned when operating on a closed engine.
	ErrEngineClosed = errors.New("ingestor: engine is closed")

	// ErrUnsupportedContentType is returned for content no extractor or
	// parser claims.
	ErrUnsupportedContentType = errors.New("ingestor: unsupported content type")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("ingestor: invalid configuration")

	// ErrWatcherClosed is returned when submitting to a stopped watcher.
	ErrWatcherClosed = errors.New("ingestor: watcher is closed")
)
