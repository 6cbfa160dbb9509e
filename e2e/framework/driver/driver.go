package driver

import (
	"context"

	"github.com/pkg/errors"
)

// ErrInvalidLocator is returned for locator descriptors the driver cannot
// parse. It is never retried.
var ErrInvalidLocator = errors.New("invalid locator")

// ErrNotFound is returned by actions whose target never became interactable.
// Queries report absence through their return values instead.
var ErrNotFound = errors.New("element not found")

// Driver is the browser capability the harness issues actions and queries
// against. Locators are opaque to the harness.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, locator, value string) error
	Click(ctx context.Context, locator string) error
	SelectOption(ctx context.Context, locator, value string) error
	QueryVisible(ctx context.Context, locator string) (bool, error)
	// QueryText returns ok=false when no element matches.
	QueryText(ctx context.Context, locator string) (text string, ok bool, err error)
	QueryCount(ctx context.Context, locator string) (int, error)
	// QueryAttribute returns ok=false when no element or attribute matches.
	QueryAttribute(ctx context.Context, locator, name string) (value string, ok bool, err error)
	CurrentURL(ctx context.Context) (string, error)
	Close() error
}

// Screenshotter is implemented by drivers that can capture the viewport.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Scroller is implemented by drivers that can scroll the page.
type Scroller interface {
	ScrollToBottom(ctx context.Context) error
}

// Factory opens a new isolated driver session.
type Factory func(ctx context.Context) (Driver, error)
