// Package drivertest provides a scripted, in-memory driver for harness tests.
package drivertest

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/scholarai/scholarai/e2e/framework/driver"
)

// Element is a fake DOM node.
type Element struct {
	Text    string
	Hidden  bool
	Attrs   map[string]string
	Options []string
}

// Call records one driver invocation.
type Call struct {
	Method  string
	Locator string
	Value   string
}

// Page is the mutable state behind a fake session.
type Page struct {
	mu         sync.Mutex
	url        string
	elements   map[string][]Element
	onClick    map[string]func(p *Page)
	onNavigate func(p *Page, url string)
	onScroll   func(p *Page)
	failures   map[string]error
	calls      []Call
	closed     bool
}

// NewPage returns an empty page at about:blank.
func NewPage() *Page {
	return &Page{
		url:      "about:blank",
		elements: make(map[string][]Element),
		onClick:  make(map[string]func(p *Page)),
		failures: make(map[string]error),
	}
}

// Set replaces the elements matched by locator.
func (p *Page) Set(locator string, elements ...Element) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setLocked(locator, elements...)
	return p
}

func (p *Page) setLocked(locator string, elements ...Element) {
	if len(elements) == 0 {
		delete(p.elements, locator)
		return
	}
	p.elements[locator] = append([]Element(nil), elements...)
}

// Show makes locator match one visible element with text.
func (p *Page) Show(locator, text string) *Page {
	return p.Set(locator, Element{Text: text})
}

// Remove drops every element matched by locator.
func (p *Page) Remove(locator string) *Page {
	return p.Set(locator)
}

// OnClick runs fn when locator is clicked. fn may mutate the page.
func (p *Page) OnClick(locator string, fn func(p *Page)) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick[locator] = fn
	return p
}

// OnNavigate runs fn after every navigation.
func (p *Page) OnNavigate(fn func(p *Page, url string)) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNavigate = fn
	return p
}

// OnScroll runs fn on ScrollToBottom.
func (p *Page) OnScroll(fn func(p *Page)) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onScroll = fn
	return p
}

// Fail makes every call touching locator return err.
func (p *Page) Fail(locator string, err error) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[locator] = err
	return p
}

// SetURL changes the current URL without recording a navigation.
func (p *Page) SetURL(url string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return p
}

// Calls returns the recorded invocations in order.
func (p *Page) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Closed reports whether the session was closed.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Driver adapts a Page to driver.Driver.
type Driver struct {
	Page *Page
}

var (
	_ driver.Driver        = (*Driver)(nil)
	_ driver.Screenshotter = (*Driver)(nil)
	_ driver.Scroller      = (*Driver)(nil)
)

// New returns a driver over a fresh page.
func New() *Driver {
	return &Driver{Page: NewPage()}
}

func (d *Driver) record(method, locator, value string) error {
	d.Page.calls = append(d.Page.calls, Call{Method: method, Locator: locator, Value: value})
	if d.Page.closed {
		return errors.New("session closed")
	}
	if strings.HasPrefix(locator, "!!") {
		return errors.Wrapf(driver.ErrInvalidLocator, "%q", locator)
	}
	if err, ok := d.Page.failures[locator]; ok {
		return err
	}
	return nil
}

func (d *Driver) interactable(locator string) (Element, error) {
	for _, el := range d.Page.elements[locator] {
		if !el.Hidden {
			return el, nil
		}
	}
	return Element{}, errors.Wrapf(driver.ErrNotFound, "%q", locator)
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.Page.mu.Lock()
	if err := d.record("navigate", "", url); err != nil {
		d.Page.mu.Unlock()
		return err
	}
	d.Page.url = url
	hook := d.Page.onNavigate
	d.Page.mu.Unlock()
	if hook != nil {
		hook(d.Page, url)
	}
	return ctx.Err()
}

func (d *Driver) Fill(ctx context.Context, locator, value string) error {
	d.Page.mu.Lock()
	defer d.Page.mu.Unlock()
	if err := d.record("fill", locator, value); err != nil {
		return err
	}
	if _, err := d.interactable(locator); err != nil {
		return err
	}
	els := d.Page.elements[locator]
	if els[0].Attrs == nil {
		els[0].Attrs = map[string]string{}
	}
	els[0].Attrs["value"] = value
	return ctx.Err()
}

func (d *Driver) Click(ctx context.Context, locator string) error {
	d.Page.mu.Lock()
	if err := d.record("click", locator, ""); err != nil {
		d.Page.mu.Unlock()
		return err
	}
	if _, err := d.interactable(locator); err != nil {
		d.Page.mu.Unlock()
		return err
	}
	hook := d.Page.onClick[locator]
	d.Page.mu.Unlock()
	if hook != nil {
		hook(d.Page)
	}
	return ctx.Err()
}

func (d *Driver) SelectOption(ctx context.Context, locator, value string) error {
	d.Page.mu.Lock()
	defer d.Page.mu.Unlock()
	if err := d.record("select", locator, value); err != nil {
		return err
	}
	el, err := d.interactable(locator)
	if err != nil {
		return err
	}
	if len(el.Options) > 0 {
		found := false
		for _, option := range el.Options {
			if option == value {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("option %q not available in %q", value, locator)
		}
	}
	els := d.Page.elements[locator]
	if els[0].Attrs == nil {
		els[0].Attrs = map[string]string{}
	}
	els[0].Attrs["value"] = value
	return ctx.Err()
}

func (d *Driver) QueryVisible(ctx context.Context, locator string) (bool, error) {
	d.Page.mu.Lock()
	defer d.Page.mu.Unlock()
	if err := d.record("visible", locator, ""); err != nil {
		return false, err
	}
	_, err := d.interactable(locator)
	return err == nil, ctx.Err()
}

func (d *Driver) QueryText(ctx context.Context, locator string) (string, bool, error) {
	d.Page.mu.Lock()
	defer d.Page.mu.Unlock()
	if err := d.record("text", locator, ""); err != nil {
		return "", false, err
	}
	els := d.Page.elements[locator]
	if len(els) == 0 {
		return "", false, ctx.Err()
	}
	return els[0].Text, true, ctx.Err()
}

func (d *Driver) QueryCount(ctx context.Context, locator string) (int, error) {
	d.Page.mu.Lock()
	defer d.Page.mu.Unlock()
	if err := d.record("count", locator, ""); err != nil {
		return 0, err
	}
	return len(d.Page.elements[locator]), ctx.Err()
}

func (d *Driver) QueryAttribute(ctx context.Context, locator, name string) (string, bool, error) {
	d.Page.mu.Lock()
	defer d.Page.mu.Unlock()
	if err := d.record("attribute", locator, name); err != nil {
		return "", false, err
	}
	els := d.Page.elements[locator]
	if len(els) == 0 {
		return "", false, ctx.Err()
	}
	value, ok := els[0].Attrs[name]
	return value, ok, ctx.Err()
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	d.Page.mu.Lock()
	defer d.Page.mu.Unlock()
	return d.Page.url, ctx.Err()
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	d.Page.mu.Lock()
	defer d.Page.mu.Unlock()
	if err := d.record("screenshot", "", ""); err != nil {
		return nil, err
	}
	return []byte("\x89PNG fake"), ctx.Err()
}

func (d *Driver) ScrollToBottom(ctx context.Context) error {
	d.Page.mu.Lock()
	if err := d.record("scroll", "", ""); err != nil {
		d.Page.mu.Unlock()
		return err
	}
	hook := d.Page.onScroll
	d.Page.mu.Unlock()
	if hook != nil {
		hook(d.Page)
	}
	return ctx.Err()
}

func (d *Driver) Close() error {
	d.Page.mu.Lock()
	defer d.Page.mu.Unlock()
	d.Page.closed = true
	return nil
}

// Sessions tracks every driver opened through a Factory.
type Sessions struct {
	mu    sync.Mutex
	pages []*Page
}

// Pages returns the pages opened so far, in order.
func (s *Sessions) Pages() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Page(nil), s.pages...)
}

// Factory returns a driver.Factory that builds each session's page with
// script and records it in the returned Sessions.
func Factory(script func(p *Page)) (driver.Factory, *Sessions) {
	sessions := &Sessions{}
	factory := func(ctx context.Context) (driver.Driver, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := New()
		if script != nil {
			script(d.Page)
		}
		sessions.mu.Lock()
		sessions.pages = append(sessions.pages, d.Page)
		sessions.mu.Unlock()
		return d, nil
	}
	return factory, sessions
}
