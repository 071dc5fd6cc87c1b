package protocol

import "time"

// GenerateRequest asks a worker to render a video. Fields left unset fall back
// to the worker's configured defaults.
type GenerateRequest struct {
	JobID        string   `json:"job_id,omitempty"`
	Text         string   `json:"text"`
	AudioSource  string   `json:"audio_source,omitempty"`
	Gender       *int     `json:"gender,omitempty"`
	CharInterval *float64 `json:"char_interval,omitempty"`
	FPS          int      `json:"fps,omitempty"`
	BlendFrames  *int     `json:"blend_frames,omitempty"`
}

// GenerateReply answers a GenerateRequest.
type GenerateReply struct {
	JobID        string   `json:"job_id"`
	Success      bool     `json:"success"`
	VideoID      string   `json:"video_id,omitempty"`
	RelativePath string   `json:"relative_path,omitempty"`
	Visemes      []string `json:"visemes,omitempty"`
	Seconds      float64  `json:"seconds,omitempty"`
	Cached       bool     `json:"cached,omitempty"`
	Kind         string   `json:"kind,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// JobStatus is broadcast when a queued job starts and when it finishes.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	VideoID   string    `json:"video_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	JobStateStarted   = "started"
	JobStateSucceeded = "succeeded"
	JobStateFailed    = "failed"
)

const (
	SubjectGenerate  = "lipsync.generate"
	SubjectJobStatus = "lipsync.job.status"
)
