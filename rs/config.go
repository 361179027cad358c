package rs

import (
	"fmt"
)

// StreamRequest asks a pipeline for one stream. Zero values mean "let the device decide".
type StreamRequest struct {
	Stream Stream
	Index  int
	Width  int
	Height int
	Format Format
	Rate   int
}

func (r StreamRequest) String() string {
	return fmt.Sprintf("%s[%d] %dx%d %s@%d", r.Stream, r.Index, r.Width, r.Height, r.Format, r.Rate)
}

// Config is the set of streams to enable when starting a pipeline.
type Config struct {
	requests []StreamRequest
}

// NewConfig returns an empty config.
func NewConfig() *Config {
	return &Config{}
}

// EnableStream requests a stream with an explicit resolution, format and rate. A later request
// for the same stream and index replaces the earlier one.
func (c *Config) EnableStream(req StreamRequest) {
	for i, existing := range c.requests {
		if existing.Stream == req.Stream && existing.Index == req.Index {
			c.requests[i] = req
			return
		}
	}
	c.requests = append(c.requests, req)
}

// EnableStreamDefaults requests a stream with the device's default profile.
func (c *Config) EnableStreamDefaults(stream Stream, index int) {
	c.EnableStream(StreamRequest{Stream: stream, Index: index})
}

// IsStreamEnabled reports whether any request names the stream and index.
func (c *Config) IsStreamEnabled(stream Stream, index int) bool {
	for _, req := range c.requests {
		if req.Stream == stream && req.Index == index {
			return true
		}
	}
	return false
}

// DisableAllStreams clears every request.
func (c *Config) DisableAllStreams() {
	c.requests = nil
}

// Requests returns a copy of the enabled requests in the order they were made.
func (c *Config) Requests() []StreamRequest {
	out := make([]StreamRequest, len(c.requests))
	copy(out, c.requests)
	return out
}
