package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrInsufficientData means fewer than two related live records were available to merge
	ErrInsufficientData = goerr.New("insufficient data to consolidate")

	// ErrSummarizerUnavailable means the summarization backend failed or returned nothing usable
	ErrSummarizerUnavailable = goerr.New("summarizer unavailable")

	// ErrCorruptRecord means a persisted record could not be decoded or validated
	ErrCorruptRecord = goerr.New("corrupt memory record")

	ErrInvalidMemory     = goerr.New("invalid memory")
	ErrDuplicateID       = goerr.New("duplicate memory id")
	ErrMemoryNotFound    = goerr.New("memory not found")
	ErrAlreadySuperseded = goerr.New("memory already superseded")
)
