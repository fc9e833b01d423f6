package poller

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
)

// Downloader fetches a payload referenced by URI in an operation result.
type Downloader interface {
	Download(ctx context.Context, uri string) ([]byte, error)
}

// Shape is one known location of the payload inside a result document.
type Shape struct {
	Name string
	Path string
	// Remote marks Path as a URI that must be downloaded, not base64 bytes.
	Remote bool
}

// DefaultVideoShapes lists the video result layouts in priority order.
var DefaultVideoShapes = []Shape{
	{Name: "inline", Path: "response.videos.0.bytesBase64Encoded"},
	{Name: "nested", Path: "response.generatedVideos.0.video.videoBytes"},
	{Name: "remote", Path: "response.generateVideoResponse.generatedSamples.0.video.uri", Remote: true},
}

// Extractor pulls binary payloads out of finished operation results.
type Extractor struct {
	Shapes     []Shape
	Downloader Downloader
	// MinBytes rejects payloads too small to be real media.
	MinBytes int
}

// Extract tries each shape in order and returns the first match.
func (e *Extractor) Extract(ctx context.Context, result []byte) ([]byte, error) {
	if !gjson.ValidBytes(result) {
		return nil, fmt.Errorf("%w: result is not JSON", ErrUnrecognizedResponseShape)
	}

	for _, shape := range e.Shapes {
		v := gjson.GetBytes(result, shape.Path)
		if !v.Exists() || v.Type != gjson.String || v.Str == "" {
			continue
		}

		var (
			data []byte
			err  error
		)
		if shape.Remote {
			if e.Downloader == nil {
				return nil, fmt.Errorf("%w: %s shape needs a downloader", ErrUnrecognizedResponseShape, shape.Name)
			}
			data, err = e.Downloader.Download(ctx, v.Str)
			if err != nil {
				return nil, fmt.Errorf("download %s payload: %w", shape.Name, err)
			}
		} else {
			data, err = base64.StdEncoding.DecodeString(v.Str)
			if err != nil {
				return nil, fmt.Errorf("%w: %s payload is not base64: %v", ErrUnrecognizedResponseShape, shape.Name, err)
			}
		}

		if len(data) < e.MinBytes {
			return nil, fmt.Errorf("%w: %s payload is %d bytes, want at least %d",
				ErrUnrecognizedResponseShape, shape.Name, len(data), e.MinBytes)
		}
		return data, nil
	}

	return nil, ErrUnrecognizedResponseShape
}
