package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MapFetcher returns a static map image centered on the coordinates. The
// caller closes the returned stream.
type MapFetcher interface {
	FetchMap(ctx context.Context, c Coordinates) (io.ReadCloser, error)
}

// MapboxFetcher downloads a 500x220 pin map from the Mapbox static API.
type MapboxFetcher struct {
	Token  string
	Client *http.Client
}

func NewMapboxFetcher(token string) *MapboxFetcher {
	return &MapboxFetcher{Token: token, Client: &http.Client{Timeout: 10 * time.Second}}
}

// URL is the static image URL for c.
func (f *MapboxFetcher) URL(c Coordinates) string {
	return fmt.Sprintf(
		"http://api.tiles.mapbox.com/v4/mapbox.streets/pin-m-star+285A98(%[2]s,%[1]s)/%[2]s,%[1]s,16/500x220.png?access_token=%[3]s",
		c.lat, c.lon, f.Token,
	)
}

func (f *MapboxFetcher) FetchMap(ctx context.Context, c Coordinates) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(c), nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch map: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch map: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
