package service

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/sma-presence-api/internal/models"
)

// ErrNoFix is returned by providers that could not obtain a coordinate.
var ErrNoFix = errors.New("no location fix")

// LocationProvider yields the caller's observed position.
type LocationProvider interface {
	Locate(ctx context.Context) (*models.Coordinate, error)
}

// LocationFunc adapts a function into a LocationProvider.
type LocationFunc func(ctx context.Context) (*models.Coordinate, error)

// Locate implements LocationProvider.
func (f LocationFunc) Locate(ctx context.Context) (*models.Coordinate, error) {
	return f(ctx)
}

// ClientLocation serves a coordinate reported by the client device. A nil
// coordinate means the device could not produce one.
func ClientLocation(coordinate *models.Coordinate) LocationProvider {
	return LocationFunc(func(context.Context) (*models.Coordinate, error) {
		if coordinate == nil {
			return nil, ErrNoFix
		}
		c := *coordinate
		return &c, nil
	})
}

// acquireLocation waits at most timeout for the provider. Any failure,
// including a timeout or an invalid coordinate, returns an error.
func acquireLocation(ctx context.Context, provider LocationProvider, timeout time.Duration) (*models.Coordinate, error) {
	if provider == nil {
		return nil, ErrNoFix
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type fix struct {
		coordinate *models.Coordinate
		err        error
	}
	result := make(chan fix, 1)
	go func() {
		coordinate, err := provider.Locate(ctx)
		result <- fix{coordinate: coordinate, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case got := <-result:
		if got.err != nil {
			return nil, got.err
		}
		if got.coordinate == nil || !validCoordinate(*got.coordinate) {
			return nil, ErrNoFix
		}
		return got.coordinate, nil
	}
}

func validCoordinate(c models.Coordinate) bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}
