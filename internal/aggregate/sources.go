package aggregate

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-resty/resty/v2"

	"grantline/internal/domain"
)

// HTTPSource pulls readings from a remote measurement API. The endpoint is
// expected to answer GET ?from=&to= with a JSON array of readings.
type HTTPSource struct {
	name     string
	endpoint string
	client   *resty.Client
}

func NewHTTPSource(name, endpoint, apiKey string) *HTTPSource {
	client := resty.New()
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}
	return &HTTPSource{name: name, endpoint: endpoint, client: client}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context, from, to string) ([]domain.Reading, error) {
	var readings []domain.Reading
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"from": from, "to": to}).
		SetResult(&readings).
		Get(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.name, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch %s: status %d", s.name, resp.StatusCode())
	}
	return readings, nil
}

// StaticSource serves a fixed set of readings. Used for seeded environments
// and tests.
type StaticSource struct {
	name string

	mu       sync.Mutex
	readings []domain.Reading
	err      error
}

func NewStaticSource(name string, readings ...domain.Reading) *StaticSource {
	return &StaticSource{name: name, readings: readings}
}

func (s *StaticSource) Name() string { return s.name }

// SetReadings replaces the served readings.
func (s *StaticSource) SetReadings(readings ...domain.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = readings
	s.err = nil
}

// Fail makes subsequent fetches return err.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) Fetch(ctx context.Context, from, to string) ([]domain.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.Reading
	for _, r := range s.readings {
		if r.Timestamp >= from && r.Timestamp < to {
			out = append(out, r)
		}
	}
	return out, nil
}
