package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/serenissima/engine/internal/model"
)

// ErrNoCoordinates means an endpoint could not be located.
var ErrNoCoordinates = errors.New("no coordinates")

// ErrNoPath means the pathfinder found no route.
var ErrNoPath = errors.New("no path found")

// Location is a path endpoint: a bare point or a building.
type Location struct {
	Point    *model.LatLng
	Building *model.Building
}

// At wraps a point.
func At(p model.LatLng) Location { return Location{Point: &p} }

// AtBuilding wraps a building.
func AtBuilding(b *model.Building) Location { return Location{Building: b} }

// Coords resolves the endpoint to a point.
func (l Location) Coords() (*model.LatLng, error) {
	if l.Point != nil {
		return l.Point, nil
	}
	if l.Building != nil {
		p, err := l.Building.Coords()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoCoordinates, err)
		}
		return p, nil
	}
	return nil, ErrNoCoordinates
}

// Path is a route with its travel time.
type Path struct {
	Points          []model.LatLng `json:"path"`
	DurationSeconds float64        `json:"durationSeconds"`
	Transporter     string         `json:"transporter,omitempty"`
}

// DurationMinutes rounds the travel time up to whole minutes.
func (p *Path) DurationMinutes() int {
	return int(math.Ceil(p.DurationSeconds / 60))
}

// JSON renders the polyline for an activity's Path field.
func (p *Path) JSON() string {
	body, _ := json.Marshal(p.Points)
	return string(body)
}

// Pathfinder computes routes between points.
type Pathfinder interface {
	FindPath(ctx context.Context, start, end model.LatLng, startDate time.Time) (*Path, error)
}

// PathBetween resolves both endpoints and asks pf for a route.
func PathBetween(ctx context.Context, pf Pathfinder, start, end Location, startDate time.Time) (*Path, error) {
	s, err := start.Coords()
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	e, err := end.Coords()
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	return pf.FindPath(ctx, *s, *e, startDate)
}

// TransportClient calls the HTTP path service.
type TransportClient struct {
	URL        string
	httpClient *http.Client
}

// NewTransportClient creates a path service client.
func NewTransportClient(url string) *TransportClient {
	return &TransportClient{URL: url, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type transportRequest struct {
	StartPoint model.LatLng `json:"startPoint"`
	EndPoint   model.LatLng `json:"endPoint"`
	StartDate  string       `json:"startDate"`
}

type transportResponse struct {
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Path        []model.LatLng `json:"path"`
	Transporter string         `json:"transporter,omitempty"`
	Timing      struct {
		DurationSeconds float64 `json:"durationSeconds"`
	} `json:"timing"`
}

// FindPath posts {startPoint, endPoint, startDate} and parses the route.
func (c *TransportClient) FindPath(ctx context.Context, start, end model.LatLng, startDate time.Time) (*Path, error) {
	var resp transportResponse
	err := DoJSON(ctx, c.httpClient, http.MethodPost, c.URL, transportRequest{
		StartPoint: start,
		EndPoint:   end,
		StartDate:  startDate.UTC().Format(time.RFC3339),
	}, &resp, RetryPolicy(ctx, 2, time.Second))
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if !resp.Success || len(resp.Path) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPath, resp.Error)
	}
	return &Path{Points: resp.Path, DurationSeconds: resp.Timing.DurationSeconds, Transporter: resp.Transporter}, nil
}

// StraightLine walks directly between points at a fixed pace. It serves
// when no path service is configured.
type StraightLine struct {
	MetersPerSecond float64
}

// FindPath returns the two-point route.
func (s StraightLine) FindPath(_ context.Context, start, end model.LatLng, _ time.Time) (*Path, error) {
	speed := s.MetersPerSecond
	if speed <= 0 {
		speed = 1.4
	}
	dist := model.DistanceMeters(start, end)
	secs := dist / speed
	if secs < 60 {
		secs = 60
	}
	return &Path{Points: []model.LatLng{start, end}, DurationSeconds: secs}, nil
}
