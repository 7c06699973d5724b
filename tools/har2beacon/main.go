// har2beacon converts HTTP Archive captures (HAR 1.2, the devtools
// "Save all as HAR" format, http://www.softwareishard.com/blog/har-12-spec/)
// into beacon timing payloads, one per recorded page.
//
// Usage:
//
//	go run ./tools/har2beacon -file checkout.har
//	go run ./tools/har2beacon -dir captures/ -out payloads/
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andrewh/beacon/pkg/instrument/docload"
)

// HAR 1.2 structures, limited to the fields the conversion reads.

type harFile struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Pages   []harPage  `json:"pages"`
	Entries []harEntry `json:"entries"`
}

type harPage struct {
	ID              string         `json:"id"`
	StartedDateTime time.Time      `json:"startedDateTime"`
	Title           string         `json:"title"`
	PageTimings     harPageTimings `json:"pageTimings"`
}

// Page milestones are milliseconds relative to the page start; HAR uses -1
// for "not applicable".
type harPageTimings struct {
	OnContentLoad float64 `json:"onContentLoad"`
	OnLoad        float64 `json:"onLoad"`
}

type harEntry struct {
	Pageref         string      `json:"pageref"`
	StartedDateTime time.Time   `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Timings         harTimings  `json:"timings"`
}

type harRequest struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers []harHeader `json:"headers"`
}

type harHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harResponse struct {
	Status       int        `json:"status"`
	BodySize     int64      `json:"bodySize"`
	TransferSize int64      `json:"_transferSize"`
	Content      harContent `json:"content"`
}

type harContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Entry timings are millisecond durations; -1 means the phase did not occur.
// ssl is already included in connect, so it is never added separately.
type harTimings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	SSL     float64 `json:"ssl"`
}

// pagePayload pairs one converted payload with the HAR page it came from.
type pagePayload struct {
	PageID  string
	Payload *docload.Payload
}

func main() {
	fileFlag := flag.String("file", "", "single HAR file to convert")
	dirFlag := flag.String("dir", "", "directory tree of HAR files to convert")
	outFlag := flag.String("out", "", "output directory (default: stdout for -file, required for -dir)")
	flag.Parse()

	if *fileFlag == "" && *dirFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: har2beacon -file capture.har | -dir path/to/captures/")
		os.Exit(1)
	}

	if *fileFlag != "" {
		data, err := os.ReadFile(*fileFlag)
		if err != nil {
			fatal(err)
		}
		payloads, err := convert(data)
		if err != nil {
			fatal(fmt.Errorf("%s: %w", *fileFlag, err))
		}
		for _, pp := range payloads {
			out, err := json.MarshalIndent(pp.Payload, "", "  ")
			if err != nil {
				fatal(err)
			}
			if *outFlag != "" {
				path := outPath(*outFlag, *fileFlag, pp.PageID)
				if err := writeFile(path, out); err != nil {
					fatal(err)
				}
				fmt.Fprintf(os.Stderr, "wrote %s\n", path)
			} else {
				fmt.Println(string(out))
			}
		}
		return
	}

	if *outFlag == "" {
		fatal(fmt.Errorf("-out is required when using -dir"))
	}

	var converted, skipped int
	err := filepath.WalkDir(*dirFlag, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".har") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		payloads, err := convert(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", path, err)
			skipped++
			return nil
		}

		for _, pp := range payloads {
			out, err := json.MarshalIndent(pp.Payload, "", "  ")
			if err != nil {
				return err
			}
			if err := writeFile(outPath(*outFlag, path, pp.PageID), out); err != nil {
				return err
			}
			converted++
		}
		return nil
	})
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "converted %d pages, skipped %d files\n", converted, skipped)
}

// convert turns one HAR document into payloads. Pages with no entries are
// dropped; the first entry referencing a page is taken as its document fetch,
// the rest become resources.
func convert(data []byte) ([]pagePayload, error) {
	var har harFile
	if err := json.Unmarshal(data, &har); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	if len(har.Log.Pages) == 0 {
		return nil, fmt.Errorf("no pages in archive")
	}

	var out []pagePayload
	for _, page := range har.Log.Pages {
		var doc *harEntry
		var resources []docload.Resource
		for i := range har.Log.Entries {
			e := &har.Log.Entries[i]
			if e.Pageref != page.ID || e.Request.URL == "" {
				continue
			}
			if doc == nil {
				doc = e
				continue
			}
			resources = append(resources, docload.Resource{
				Phases:        phasesFrom(e.StartedDateTime, e.Timings),
				Name:          e.Request.URL,
				InitiatorType: initiatorFor(e.Response.Content.MimeType),
				TransferSize:  transferSize(e.Response),
			})
		}
		if doc == nil {
			continue
		}

		nav := &docload.Navigation{Phases: phasesFrom(doc.StartedDateTime, doc.Timings)}
		pageStart := epochMillis(page.StartedDateTime)
		if page.PageTimings.OnContentLoad > 0 {
			nav.DOMContentLoadedEventEnd = pageStart + page.PageTimings.OnContentLoad
		}
		if page.PageTimings.OnLoad > 0 {
			nav.LoadEventEnd = pageStart + page.PageTimings.OnLoad
		}

		out = append(out, pagePayload{
			PageID: page.ID,
			Payload: &docload.Payload{
				URL:         doc.Request.URL,
				UserAgent:   headerValue(doc.Request.Headers, "User-Agent"),
				Traceparent: headerValue(doc.Request.Headers, "traceparent"),
				Navigation:  nav,
				Resources:   resources,
			},
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no page has entries")
	}
	return out, nil
}

// phasesFrom lays the HAR durations end to end from the entry start,
// producing absolute phase timestamps. Phases reported as -1 (and
// zero-length DNS or connect, which beacon treats as cached) leave their
// marks at zero.
func phasesFrom(start time.Time, t harTimings) docload.Phases {
	cursor := epochMillis(start)
	ph := docload.Phases{FetchStart: cursor}
	if t.Blocked > 0 {
		cursor += t.Blocked
	}
	if t.DNS > 0 {
		ph.DomainLookupStart = cursor
		cursor += t.DNS
		ph.DomainLookupEnd = cursor
	}
	if t.Connect > 0 {
		ph.ConnectStart = cursor
		cursor += t.Connect
		ph.ConnectEnd = cursor
	}
	ph.RequestStart = cursor
	if t.Send > 0 {
		cursor += t.Send
	}
	if t.Wait > 0 {
		cursor += t.Wait
	}
	ph.ResponseStart = cursor
	if t.Receive > 0 {
		cursor += t.Receive
	}
	ph.ResponseEnd = cursor
	return ph
}

// epochMillis keeps sub-millisecond precision by converting from microseconds.
func epochMillis(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1000.0
}

// initiatorFor approximates the resource timing initiatorType from the
// response MIME type, the only signal a HAR carries.
func initiatorFor(mime string) string {
	mime = strings.ToLower(mime)
	switch {
	case strings.Contains(mime, "javascript"), strings.Contains(mime, "ecmascript"):
		return "script"
	case strings.HasPrefix(mime, "text/css"):
		return "link"
	case strings.HasPrefix(mime, "image/"):
		return "img"
	case strings.HasPrefix(mime, "font/"), strings.Contains(mime, "font-"):
		return "css"
	case strings.Contains(mime, "json"), strings.Contains(mime, "xml"):
		return "fetch"
	default:
		return "other"
	}
}

// transferSize prefers the devtools _transferSize extension, then the
// response body size, then the decoded content size.
func transferSize(r harResponse) int64 {
	if r.TransferSize > 0 {
		return r.TransferSize
	}
	if r.BodySize > 0 {
		return r.BodySize
	}
	if r.Content.Size > 0 {
		return r.Content.Size
	}
	return 0
}

func headerValue(headers []harHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func outPath(dir, harPath, pageID string) string {
	base := strings.TrimSuffix(filepath.Base(harPath), ".har")
	return filepath.Join(dir, base+"-"+pageID+".json")
}

func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "har2beacon: %v\n", err)
	os.Exit(1)
}
