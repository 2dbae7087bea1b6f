package ipc

import (
	"time"

	"shmq/internal/channels"
	"shmq/internal/metrics"
	"shmq/internal/msgqueue"
	"shmq/internal/registry"
)

// StartRequest binds the queue and resumes draining.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Address string `json:"address"`
	Message string `json:"message"`
}

// StopRequest closes the queue. With Shutdown set the daemon process also
// exits once the response is sent.
type StopRequest struct {
	Shutdown bool `json:"shutdown"`
}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// QueueStatus mirrors msgqueue.Status on the wire.
type QueueStatus = msgqueue.Status

// QueueTotals are drain counters accumulated since the last start.
type QueueTotals = msgqueue.Stats

// MetricSample is one gathered collector value.
type MetricSample = metrics.Sample

// StatusResponse represents combined daemon and queue status information.
type StatusResponse struct {
	Running   bool           `json:"running"`
	PID       int            `json:"pid"`
	Address   string         `json:"address"`
	LockPath  string         `json:"lock_path"`
	StartedAt time.Time      `json:"started_at"`
	Queue     QueueStatus    `json:"queue"`
	Totals    QueueTotals    `json:"totals"`
	LastError string         `json:"last_error"`
	Store     string         `json:"store"`
	StorePath string         `json:"store_path"`
	Textures  []Texture      `json:"textures"`
	Metrics   []MetricSample `json:"metrics"`
}

// ChannelsRequest lists live private channels.
type ChannelsRequest struct{}

// Channel describes one private channel.
type Channel = channels.Info

// ChannelsResponse contains channel entries.
type ChannelsResponse struct {
	Channels []Channel `json:"channels"`
}

// SegmentsRequest lists registered shared-memory segments.
type SegmentsRequest struct{}

// Segment describes one registered segment.
type Segment = registry.SegmentInfo

// SegmentsResponse contains segment entries.
type SegmentsResponse struct {
	Segments []Segment `json:"segments"`
}

// ReleaseSegmentRequest unregisters one segment on behalf of the host.
type ReleaseSegmentRequest struct {
	ID int32 `json:"id"`
}

// ReleaseSegmentResponse reports the outcome of ReleaseSegment.
type ReleaseSegmentResponse struct {
	Released bool `json:"released"`
}

// Texture is the wire form of a texture definition.
type Texture struct {
	ID     uint32 `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Levels int    `json:"levels"`
	// Written flags each level that holds data; only filled by Textures.
	Written []bool `json:"written,omitempty"`
}

// TexturesRequest lists defined textures.
type TexturesRequest struct{}

// TexturesResponse contains texture entries.
type TexturesResponse struct {
	Textures []Texture `json:"textures"`
}

// DefineTextureRequest creates or redefines a texture.
type DefineTextureRequest struct {
	Texture Texture `json:"texture"`
}

// DefineTextureResponse reports the outcome of DefineTexture.
type DefineTextureResponse struct {
	Defined bool `json:"defined"`
}
