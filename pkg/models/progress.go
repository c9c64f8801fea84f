package models

import "time"

// ProgressTag identifies the pipeline step a progress entry belongs to.
type ProgressTag string

const (
	TagInit          ProgressTag = "init"
	TagPrepare       ProgressTag = "prepare"
	TagPreProcess    ProgressTag = "pre-process"
	TagTranscribe    ProgressTag = "transcribe"
	TagGenerate      ProgressTag = "generate"
	TagGenerateNotes ProgressTag = "generate-notes"
	TagCleanUp       ProgressTag = "clean-up"
	TagDone          ProgressTag = "done"
	TagError         ProgressTag = "error"
)

// ProgressStatus is the optional state attached to a progress entry.
type ProgressStatus string

const (
	StatusIdle    ProgressStatus = "idle"
	StatusLoading ProgressStatus = "loading"
	StatusSuccess ProgressStatus = "success"
	StatusError   ProgressStatus = "error"
)

// ProgressEntry is one line of the user-visible processing log.
type ProgressEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Tag       ProgressTag    `json:"tag"`
	Status    ProgressStatus `json:"status,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}
