// Package photos fetches Mars rover photos and keeps their image bytes in a
// cache so that scrolling back to a photo does not download it again.
//
// The package does not speak the NASA API itself. Callers plug their HTTP
// client in as a Fetcher.
package photos

import (
	"context"
	"time"
)

// PhotoReference points at one image taken by a rover camera on a sol.
type PhotoReference struct {
	ID        int
	Sol       int
	Camera    string
	EarthDate time.Time
	ImageURL  string
}

// Fetcher downloads the image bytes of a photo.
type Fetcher interface {
	FetchPhoto(ctx context.Context, ref PhotoReference) ([]byte, error)
}

type FetcherFunc func(ctx context.Context, ref PhotoReference) ([]byte, error)

func (f FetcherFunc) FetchPhoto(ctx context.Context, ref PhotoReference) ([]byte, error) {
	return f(ctx, ref)
}
