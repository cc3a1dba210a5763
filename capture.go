package proxycap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/proxycap/proxycap/har"
)

// ErrHarNotStarted is returned by NewPage when capture has not been enabled
// with NewHar.
var ErrHarNotStarted = errors.New("proxycap: HAR capture has not been started")

// CaptureType is a bitset of the optional data recorded per HAR entry.
type CaptureType uint16

const (
	CaptureRequestHeaders CaptureType = 1 << iota
	CaptureRequestCookies
	CaptureRequestContent
	CaptureRequestBinaryContent
	CaptureResponseHeaders
	CaptureResponseCookies
	CaptureResponseContent
	CaptureResponseBinaryContent
	CaptureWebsocketMessages
)

// CaptureHeaders enables header capture on both sides.
const CaptureHeaders = CaptureRequestHeaders | CaptureResponseHeaders

// CaptureCookies enables cookie capture on both sides.
const CaptureCookies = CaptureRequestCookies | CaptureResponseCookies

// CaptureContent enables textual body capture on both sides.
const CaptureContent = CaptureRequestContent | CaptureResponseContent

// CaptureEverything enables all capture flags.
const CaptureEverything = CaptureHeaders | CaptureCookies | CaptureContent |
	CaptureRequestBinaryContent | CaptureResponseBinaryContent | CaptureWebsocketMessages

// Has reports whether all bits of flag are set.
func (t CaptureType) Has(flag CaptureType) bool {
	return t&flag == flag
}

func (t CaptureType) requestOptions() har.CaptureOptions {
	return har.CaptureOptions{
		Headers:       t.Has(CaptureRequestHeaders),
		Cookies:       t.Has(CaptureRequestCookies),
		Content:       t.Has(CaptureRequestContent),
		BinaryContent: t.Has(CaptureRequestBinaryContent),
	}
}

func (t CaptureType) responseOptions() har.CaptureOptions {
	return har.CaptureOptions{
		Headers:       t.Has(CaptureResponseHeaders),
		Cookies:       t.Has(CaptureResponseCookies),
		Content:       t.Has(CaptureResponseContent),
		BinaryContent: t.Has(CaptureResponseBinaryContent),
	}
}

// Capture maintains the active HAR and the capture-type bitmask. All
// methods are safe for concurrent use; in-flight pipelines append entries
// while callers rotate pages or swap archives.
type Capture struct {
	mu        sync.Mutex
	har       *har.Har
	pageRef   string
	pageCount int
	types     CaptureType
}

func newCapture(types CaptureType) *Capture {
	return &Capture{types: types}
}

// NewHar atomically swaps in a fresh archive with an initial page and
// returns the previous one, or nil if capture was off. The default page
// title counter restarts at 1.
func (c *Capture) NewHar(pageRef ...string) *har.Har {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.har
	c.har = har.New()
	c.pageCount = 0
	c.openPage(pageRef)
	return prev
}

// NewPage closes the current page, opens a new one, and returns the archive
// as of the moment the page was closed.
func (c *Capture) NewPage(pageRef ...string) (*har.Har, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.har == nil {
		return nil, ErrHarNotStarted
	}
	closed := c.har.Copy()
	c.openPage(pageRef)
	return closed, nil
}

func (c *Capture) openPage(pageRef []string) {
	c.pageCount++
	ref := fmt.Sprintf("Page %d", c.pageCount)
	if len(pageRef) > 0 && pageRef[0] != "" {
		ref = pageRef[0]
	}
	c.pageRef = ref
	c.har.AppendPage(har.Page{
		ID:              ref,
		Title:           ref,
		StartedDateTime: time.Now(),
	})
}

// EndHar disables capture and returns the detached archive, or nil if
// capture was never started.
func (c *Capture) EndHar() *har.Har {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.har
	c.har = nil
	return out
}

// Har returns a copy of the live archive, or nil when capture is off.
func (c *Capture) Har() *har.Har {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.har == nil {
		return nil
	}
	return c.har.Copy()
}

// Active reports whether an archive is currently collecting entries.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.har != nil
}

func (c *Capture) SetCaptureTypes(types CaptureType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = types
}

func (c *Capture) EnableCaptureTypes(types CaptureType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types |= types
}

func (c *Capture) DisableCaptureTypes(types CaptureType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types &^= types
}

func (c *Capture) CaptureTypes() CaptureType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.types
}

// append records a completed exchange on the current page. Entries arrive
// in completion order; each carries its own start timestamp.
func (c *Capture) append(entry har.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.har == nil {
		return
	}
	entry.PageRef = c.pageRef
	c.har.AppendEntry(entry)
}
