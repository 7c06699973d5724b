// Browser timing payload: the JSON a page reports after loading
// Navigation and resource entries share the eight fetch phase fields
package docload

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"time"

	"github.com/andrewh/beacon/pkg/trace"
)

// maxPayloadSize bounds one payload document. Real navigation payloads are
// a few kilobytes; anything near the limit is hostile or corrupt.
const maxPayloadSize = 4 * 1024 * 1024

// Phases holds the eight fetch phase timestamps shared by the navigation
// entry and every resource entry, as Unix epoch milliseconds. A zero value
// means the phase did not occur (cached connections skip DNS and connect).
type Phases struct {
	FetchStart        float64 `json:"fetchStart"`
	DomainLookupStart float64 `json:"domainLookupStart"`
	DomainLookupEnd   float64 `json:"domainLookupEnd"`
	ConnectStart      float64 `json:"connectStart"`
	ConnectEnd        float64 `json:"connectEnd"`
	RequestStart      float64 `json:"requestStart"`
	ResponseStart     float64 `json:"responseStart"`
	ResponseEnd       float64 `json:"responseEnd"`
}

// phaseOrder is the canonical emission order of phase events.
var phaseOrder = [...]string{
	"fetchStart",
	"domainLookupStart",
	"domainLookupEnd",
	"connectStart",
	"connectEnd",
	"requestStart",
	"responseStart",
	"responseEnd",
}

// values returns the phase timestamps in canonical order.
func (p Phases) values() [8]float64 {
	return [8]float64{
		p.FetchStart,
		p.DomainLookupStart,
		p.DomainLookupEnd,
		p.ConnectStart,
		p.ConnectEnd,
		p.RequestStart,
		p.ResponseStart,
		p.ResponseEnd,
	}
}

// usable reports whether the entry brackets a real fetch: it started, it
// finished, and it did not finish before it started.
func (p Phases) usable() bool {
	return p.FetchStart > 0 && p.ResponseEnd >= p.FetchStart
}

// checkOrder verifies the non-zero phases are non-decreasing in canonical
// order, naming the first offending pair.
func (p Phases) checkOrder() error {
	vals := p.values()
	prev, prevName := 0.0, ""
	for i, v := range vals {
		if v == 0 {
			continue
		}
		if v < prev {
			return fmt.Errorf("%s (%.1f) precedes %s (%.1f)", phaseOrder[i], v, prevName, prev)
		}
		prev, prevName = v, phaseOrder[i]
	}
	return nil
}

// Navigation is the page's own navigation timing entry. The embedded phases
// describe the document fetch; the remaining fields are later lifecycle
// milestones emitted as events on the page span.
type Navigation struct {
	Phases
	DOMInteractive             float64 `json:"domInteractive"`
	DOMContentLoadedEventStart float64 `json:"domContentLoadedEventStart"`
	DOMContentLoadedEventEnd   float64 `json:"domContentLoadedEventEnd"`
	DOMComplete                float64 `json:"domComplete"`
	LoadEventStart             float64 `json:"loadEventStart"`
	LoadEventEnd               float64 `json:"loadEventEnd"`
}

// Resource is one resource timing entry: a subresource the page fetched.
type Resource struct {
	Phases
	Name          string `json:"name"`
	InitiatorType string `json:"initiatorType"`
	TransferSize  int64  `json:"transferSize"`
}

// Payload is the timing report for one page load. Navigation is required
// for document spans; everything else is optional.
type Payload struct {
	URL         string         `json:"url"`
	UserAgent   string         `json:"userAgent,omitempty"`
	Traceparent string         `json:"traceparent,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Navigation  *Navigation    `json:"navigation"`
	Resources   []Resource     `json:"resources,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Parse reads one payload document. Unknown fields are tolerated so older
// builds accept payloads from newer pages.
func Parse(r io.Reader) (*Payload, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("payload exceeds maximum size of %d bytes", maxPayloadSize)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	return &p, nil
}

// ParseFile reads one payload document from path.
func ParseFile(path string) (*Payload, error) {
	f, err := os.Open(path) //nolint:gosec // user-supplied payload path is expected
	if err != nil {
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	defer f.Close() //nolint:errcheck // best-effort close on read-only file
	return Parse(f)
}

// Validate checks the payload for structural correctness, naming the
// offending field in every error. A valid payload always yields document
// spans when recorded.
func (p *Payload) Validate() error {
	if p.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("url %q: %w", p.URL, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("url %q must be absolute", p.URL)
	}

	if p.Traceparent != "" {
		if _, err := trace.ParseTraceparent(p.Traceparent); err != nil {
			return fmt.Errorf("traceparent %q: %w", p.Traceparent, err)
		}
	}

	if p.Navigation == nil {
		return fmt.Errorf("navigation timing is required")
	}
	nav := p.Navigation
	if nav.FetchStart <= 0 {
		return fmt.Errorf("navigation.fetchStart must be positive, got %v", nav.FetchStart)
	}
	if nav.ResponseEnd < nav.FetchStart {
		return fmt.Errorf("navigation.responseEnd (%.1f) precedes fetchStart (%.1f)", nav.ResponseEnd, nav.FetchStart)
	}
	if err := nav.checkOrder(); err != nil {
		return fmt.Errorf("navigation timing out of order: %w", err)
	}

	for i, res := range p.Resources {
		if res.Name == "" {
			return fmt.Errorf("resource %d: name is required", i)
		}
		if !res.usable() {
			return fmt.Errorf("resource %d (%s): fetchStart %.1f / responseEnd %.1f do not bracket a fetch", i, res.Name, res.FetchStart, res.ResponseEnd)
		}
		if err := res.checkOrder(); err != nil {
			return fmt.Errorf("resource %d (%s): timing out of order: %w", i, res.Name, err)
		}
	}
	return nil
}

// msTime converts an epoch-millisecond timestamp to wall-clock time.
// The whole and fractional milliseconds are converted separately: a single
// float64 multiply at epoch scale would lose sub-microsecond precision.
func msTime(ms float64) time.Time {
	whole, frac := math.Modf(ms)
	nanos := int64(whole)*int64(time.Millisecond) + int64(math.Round(frac*float64(time.Millisecond)))
	return time.Unix(0, nanos).UTC()
}
