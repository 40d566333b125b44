// Package server binds the RPC surface of spec.md §6 to the File
// Manager. The wire encoding itself is out of scope (spec.md §1); this
// package only defines the logical operations and their DTOs.
package server

import (
	"context"

	"github.com/bnelair/brainmaze-mef3-server/internal/filemanager"
)

// FileInfo is the response DTO for OpenFile (spec.md §6).
type FileInfo struct {
	Path         string    `json:"path"`
	Channels     []string  `json:"channels"`
	SampleRates  []float64 `json:"sample_rates"`
	StartUs      int64     `json:"start_us"`
	EndUs        int64     `json:"end_us"`
}

// Ack is the response DTO for operations with no interesting payload.
type Ack struct {
	OK bool `json:"ok"`
}

// SegmentCountResult is the response DTO for
// SetSignalSegmentSize/GetNumberOfSegments (spec.md §6).
type SegmentCountResult struct {
	NumberOfSegments int `json:"number_of_segments"`
}

// SegmentResult is the response DTO for GetSignalSegment (spec.md §6).
type SegmentResult struct {
	Data         [][]float64 `json:"data"`
	Shape        [2]int      `json:"shape"`
	ChannelNames []string    `json:"channel_names"`
	SampleRates  []float64   `json:"sample_rates"`
	TStart       int64       `json:"t_start"`
	TEnd         int64       `json:"t_end"`
}

// Service is the logical RPC surface of spec.md §6. The transport that
// exposes it (framing, auth, serialization of signal arrays) is an
// external collaborator per spec.md §1.
type Service interface {
	OpenFile(ctx context.Context, path string) (FileInfo, error)
	CloseFile(ctx context.Context, path string) (Ack, error)
	ListOpenFiles(ctx context.Context) ([]string, error)
	SetSignalSegmentSize(ctx context.Context, path string, seconds float64) (SegmentCountResult, error)
	GetNumberOfSegments(ctx context.Context, path string) (SegmentCountResult, error)
	SetActiveChannels(ctx context.Context, path string, names []string) (Ack, error)
	GetSignalSegment(ctx context.Context, path string, chunkIdx int) (SegmentResult, error)
}

// service adapts a *filemanager.Manager to the Service interface,
// translating between the core's domain types and wire DTOs.
type service struct {
	manager *filemanager.Manager
}

// New builds a Service backed by manager.
func New(manager *filemanager.Manager) Service {
	return &service{manager: manager}
}

func (s *service) OpenFile(ctx context.Context, path string) (FileInfo, error) {
	md, err := s.manager.OpenFile(ctx, path)
	if err != nil {
		return FileInfo{}, err
	}
	rates := make([]float64, len(md.Channels))
	names := make([]string, len(md.Channels))
	for i, c := range md.Channels {
		names[i] = c.Name
		rates[i] = c.SampleRate
	}
	return FileInfo{
		Path:        path,
		Channels:    names,
		SampleRates: rates,
		StartUs:     md.StartUs,
		EndUs:       md.EndUs,
	}, nil
}

func (s *service) CloseFile(ctx context.Context, path string) (Ack, error) {
	if err := s.manager.CloseFile(ctx, path); err != nil {
		return Ack{}, err
	}
	return Ack{OK: true}, nil
}

func (s *service) ListOpenFiles(ctx context.Context) ([]string, error) {
	ids := s.manager.ListOpenFiles()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out, nil
}

func (s *service) SetSignalSegmentSize(ctx context.Context, path string, seconds float64) (SegmentCountResult, error) {
	count, err := s.manager.SetSegmentSeconds(path, seconds)
	if err != nil {
		return SegmentCountResult{}, err
	}
	return SegmentCountResult{NumberOfSegments: count}, nil
}

func (s *service) GetNumberOfSegments(ctx context.Context, path string) (SegmentCountResult, error) {
	count, err := s.manager.GetSegmentCount(path)
	if err != nil {
		return SegmentCountResult{}, err
	}
	return SegmentCountResult{NumberOfSegments: count}, nil
}

func (s *service) SetActiveChannels(ctx context.Context, path string, names []string) (Ack, error) {
	if err := s.manager.SetActiveChannels(path, names); err != nil {
		return Ack{}, err
	}
	return Ack{OK: true}, nil
}

func (s *service) GetSignalSegment(ctx context.Context, path string, chunkIdx int) (SegmentResult, error) {
	c, err := s.manager.GetSignalSegment(ctx, path, chunkIdx)
	if err != nil {
		return SegmentResult{}, err
	}
	rows, cols := c.Shape()
	return SegmentResult{
		Data:         c.Data,
		Shape:        [2]int{rows, cols},
		ChannelNames: c.ChannelNames,
		SampleRates:  c.SampleRates,
		TStart:       c.TStartUs,
		TEnd:         c.TEndUs,
	}, nil
}
