// Package har holds the HTTP Archive (HAR) 1.2 data model produced by the
// proxy's capture engine, plus the converters that build it from net/http
// requests and responses.
//
// HAR specification: http://www.softwareishard.com/blog/har-12-spec/
package har

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Har is the root capture object.
type Har struct {
	Log Log `json:"log"`
}

type Log struct {
	Version string  `json:"version"`
	Creator Creator `json:"creator"`
	Pages   []Page  `json:"pages,omitempty"`
	Entries []Entry `json:"entries"`
	Comment string  `json:"comment,omitempty"`
}

type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Comment string `json:"comment,omitempty"`
}

// New returns an empty Har with the creator stamp filled in.
func New() *Har {
	return &Har{
		Log: Log{
			Version: "1.2",
			Creator: Creator{Name: "proxycap", Version: Version},
			Entries: make([]Entry, 0, 64),
		},
	}
}

// Version is the creator version recorded in produced archives.
const Version = "1.0"

// AppendEntry adds entries to the log. Callers are responsible for
// synchronization.
func (h *Har) AppendEntry(entries ...Entry) {
	h.Log.Entries = append(h.Log.Entries, entries...)
}

// AppendPage adds pages to the log.
func (h *Har) AppendPage(pages ...Page) {
	h.Log.Pages = append(h.Log.Pages, pages...)
}

// Copy returns a snapshot whose page and entry slices are detached from the
// receiver, so further appends do not show through.
func (h *Har) Copy() *Har {
	out := *h
	out.Log.Pages = append([]Page(nil), h.Log.Pages...)
	out.Log.Entries = append([]Entry(nil), h.Log.Entries...)
	return &out
}

// SortEntries orders the entries by their request start time. Entries are
// appended in completion order; readers wanting strict start-time order
// call this once on a detached archive.
func (h *Har) SortEntries() {
	entries := h.Log.Entries
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].StartedDateTime.Before(entries[j-1].StartedDateTime); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

type Page struct {
	ID              string      `json:"id"`
	StartedDateTime time.Time   `json:"startedDateTime"`
	Title           string      `json:"title"`
	PageTimings     PageTimings `json:"pageTimings"`
	Comment         string      `json:"comment,omitempty"`
}

type PageTimings struct {
	OnContentLoad int64  `json:"onContentLoad"`
	OnLoad        int64  `json:"onLoad"`
	Comment       string `json:"comment,omitempty"`
}

type Entry struct {
	PageRef         string    `json:"pageref,omitempty"`
	StartedDateTime time.Time `json:"startedDateTime"`
	Time            int64     `json:"time"`
	Request         *Request  `json:"request"`
	Response        *Response `json:"response"`
	Timings         Timings   `json:"timings"`
	ServerIPAddress string    `json:"serverIPAddress,omitempty"`
	Comment         string    `json:"comment,omitempty"`
}

// Timings are in milliseconds; -1 marks a phase that did not apply.
type Timings struct {
	Blocked int64  `json:"blocked,omitempty"`
	DNS     int64  `json:"dns,omitempty"`
	Connect int64  `json:"connect,omitempty"`
	Send    int64  `json:"send"`
	Wait    int64  `json:"wait"`
	Receive int64  `json:"receive"`
	SSL     int64  `json:"ssl,omitempty"`
	Comment string `json:"comment,omitempty"`
}

type Request struct {
	Method      string          `json:"method"`
	URL         string          `json:"url"`
	HTTPVersion string          `json:"httpVersion"`
	Cookies     []Cookie        `json:"cookies"`
	Headers     []NameValuePair `json:"headers"`
	QueryString []NameValuePair `json:"queryString"`
	PostData    *PostData       `json:"postData,omitempty"`
	HeadersSize int64           `json:"headersSize"`
	BodySize    int64           `json:"bodySize"`
}

type Response struct {
	Status      int             `json:"status"`
	StatusText  string          `json:"statusText"`
	HTTPVersion string          `json:"httpVersion"`
	Cookies     []Cookie        `json:"cookies"`
	Headers     []NameValuePair `json:"headers"`
	Content     Content         `json:"content"`
	RedirectURL string          `json:"redirectURL"`
	HeadersSize int64           `json:"headersSize"`
	BodySize    int64           `json:"bodySize"`
	Comment     string          `json:"comment,omitempty"`
}

type Content struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Path     string     `json:"path,omitempty"`
	Domain   string     `json:"domain,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	HTTPOnly bool       `json:"httpOnly,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
}

type NameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type PostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// CaptureOptions gate which optional fields the converters populate.
type CaptureOptions struct {
	Headers       bool
	Cookies       bool
	Content       bool
	BinaryContent bool
}

// ParseRequest converts an http.Request, leaving the body untouched; body
// capture is supplied separately through SetPostData.
func ParseRequest(req *http.Request, opts CaptureOptions) *Request {
	if req == nil {
		return nil
	}
	out := &Request{
		Method:      req.Method,
		URL:         req.URL.String(),
		HTTPVersion: httpVersion(req.Proto),
		Cookies:     []Cookie{},
		Headers:     []NameValuePair{},
		QueryString: queryPairs(req.URL),
		BodySize:    req.ContentLength,
		HeadersSize: headerSize(req.Header),
	}
	if opts.Headers {
		out.Headers = headerPairs(req.Header)
	}
	if opts.Cookies {
		out.Cookies = parseCookies(req.Cookies())
	}
	return out
}

// SetPostData attaches a captured request body.
func (r *Request) SetPostData(body []byte, mimeType string, allowBinary bool) {
	if len(body) == 0 {
		return
	}
	r.BodySize = int64(len(body))
	text, encoding := encodeBody(body, allowBinary)
	if encoding != "" {
		// HAR has no encoding field for postData; binary request bodies
		// are recorded base64 encoded in the text field.
		r.PostData = &PostData{MimeType: mimeType, Text: text, Comment: "base64"}
		return
	}
	r.PostData = &PostData{MimeType: mimeType, Text: text}
}

// ParseResponse converts status line, headers and cookies; the body is
// supplied separately through SetContent once it has been relayed.
func ParseResponse(resp *http.Response, opts CaptureOptions) *Response {
	if resp == nil {
		return nil
	}
	statusText := resp.Status
	if len(resp.Status) > 4 {
		statusText = resp.Status[4:]
	}
	out := &Response{
		Status:      resp.StatusCode,
		StatusText:  statusText,
		HTTPVersion: httpVersion(resp.Proto),
		Cookies:     []Cookie{},
		Headers:     []NameValuePair{},
		RedirectURL: resp.Header.Get("Location"),
		BodySize:    resp.ContentLength,
		HeadersSize: headerSize(resp.Header),
	}
	if opts.Headers {
		out.Headers = headerPairs(resp.Header)
	}
	if opts.Cookies {
		out.Cookies = parseCookies(resp.Cookies())
	}
	return out
}

// SetContent attaches the relayed response body.
func (r *Response) SetContent(body []byte, mimeType string, allowBinary bool) {
	r.Content.Size = len(body)
	r.Content.MimeType = mimeType
	r.BodySize = int64(len(body))
	if len(body) == 0 {
		return
	}
	r.Content.Text, r.Content.Encoding = encodeBody(body, allowBinary)
}

// encodeBody returns the body as text, base64 encoding it when it is not
// valid UTF-8. Binary bodies are dropped entirely unless allowed.
func encodeBody(body []byte, allowBinary bool) (text, encoding string) {
	if utf8.Valid(body) {
		return string(body), ""
	}
	if !allowBinary {
		return "", ""
	}
	return base64.StdEncoding.EncodeToString(body), "base64"
}

func httpVersion(proto string) string {
	if proto == "" {
		return "HTTP/1.1"
	}
	return proto
}

func headerPairs(h http.Header) []NameValuePair {
	out := make([]NameValuePair, 0, len(h))
	for name, values := range h {
		out = append(out, NameValuePair{Name: name, Value: strings.Join(values, ", ")})
	}
	return out
}

func queryPairs(u *url.URL) []NameValuePair {
	q := u.Query()
	out := make([]NameValuePair, 0, len(q))
	for name, values := range q {
		for _, v := range values {
			out = append(out, NameValuePair{Name: name, Value: v})
		}
	}
	return out
}

func headerSize(h http.Header) int64 {
	var size int64
	for name, values := range h {
		// "Name: value\r\n"
		size += int64(len(name)) + 2
		for _, v := range values {
			size += int64(len(v)) + 2
		}
	}
	return size
}

func parseCookies(cookies []*http.Cookie) []Cookie {
	out := make([]Cookie, len(cookies))
	for i, c := range cookies {
		out[i] = Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			expires := c.Expires
			out[i].Expires = &expires
		}
	}
	return out
}
