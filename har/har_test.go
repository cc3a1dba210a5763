package har

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/search?q=golang&page=2", nil)
	req.Header.Set("Accept", "text/html")
	req.AddCookie(&http.Cookie{Name: "session", Value: "abc"})

	out := ParseRequest(req, CaptureOptions{Headers: true, Cookies: true})
	require.NotNil(t, out)
	assert.Equal(t, http.MethodGet, out.Method)
	assert.Equal(t, "http://example.com/search?q=golang&page=2", out.URL)
	assert.Len(t, out.QueryString, 2)

	var names []string
	for _, h := range out.Headers {
		names = append(names, h.Name)
	}
	assert.Contains(t, names, "Accept")

	require.Len(t, out.Cookies, 1)
	assert.Equal(t, "session", out.Cookies[0].Name)
	assert.Equal(t, "abc", out.Cookies[0].Value)
}

func TestParseRequestWithoutOptions(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Accept", "text/html")
	req.AddCookie(&http.Cookie{Name: "session", Value: "abc"})

	out := ParseRequest(req, CaptureOptions{})
	assert.Empty(t, out.Headers)
	assert.Empty(t, out.Cookies)
}

func TestParseResponse(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusFound,
		Status:     "302 Found",
		Proto:      "HTTP/1.1",
		Header: http.Header{
			"Location":     []string{"http://example.com/next"},
			"Content-Type": []string{"text/html"},
		},
		ContentLength: 42,
	}

	out := ParseResponse(resp, CaptureOptions{Headers: true})
	require.NotNil(t, out)
	assert.Equal(t, http.StatusFound, out.Status)
	assert.Equal(t, "Found", out.StatusText)
	assert.Equal(t, "http://example.com/next", out.RedirectURL)
	assert.Equal(t, int64(42), out.BodySize)
	assert.NotEmpty(t, out.Headers)
}

func TestSetContentText(t *testing.T) {
	var r Response
	r.SetContent([]byte("plain text"), "text/plain", false)
	assert.Equal(t, "plain text", r.Content.Text)
	assert.Empty(t, r.Content.Encoding)
	assert.Equal(t, 10, r.Content.Size)
}

func TestSetContentBinary(t *testing.T) {
	binary := []byte{0xff, 0xfe, 0x00, 0x01}

	var dropped Response
	dropped.SetContent(binary, "application/octet-stream", false)
	assert.Empty(t, dropped.Content.Text, "binary bodies are dropped unless allowed")
	assert.Equal(t, 4, dropped.Content.Size)

	var kept Response
	kept.SetContent(binary, "application/octet-stream", true)
	assert.Equal(t, "base64", kept.Content.Encoding)
	assert.NotEmpty(t, kept.Content.Text)
}

func TestSetPostData(t *testing.T) {
	var r Request
	r.SetPostData([]byte(`{"k":"v"}`), "application/json", false)
	require.NotNil(t, r.PostData)
	assert.Equal(t, `{"k":"v"}`, r.PostData.Text)
	assert.Equal(t, "application/json", r.PostData.MimeType)

	var empty Request
	empty.SetPostData(nil, "text/plain", false)
	assert.Nil(t, empty.PostData)
}

func TestSetPostDataBinaryBodySize(t *testing.T) {
	binary := []byte{0xff, 0xfe, 0x00, 0x01}

	var r Request
	r.BodySize = -1
	r.SetPostData(binary, "application/octet-stream", true)
	require.NotNil(t, r.PostData)
	assert.Equal(t, "base64", r.PostData.Comment)
	assert.Equal(t, int64(4), r.BodySize)
}

func TestCopyDetaches(t *testing.T) {
	h := New()
	h.AppendPage(Page{ID: "Page 1"})
	h.AppendEntry(Entry{PageRef: "Page 1"})

	snapshot := h.Copy()
	h.AppendEntry(Entry{PageRef: "Page 1"})

	assert.Len(t, snapshot.Log.Entries, 1)
	assert.Len(t, h.Log.Entries, 2)
}

func TestSortEntries(t *testing.T) {
	base := time.Now()
	h := New()
	h.AppendEntry(
		Entry{StartedDateTime: base.Add(2 * time.Second), Comment: "third"},
		Entry{StartedDateTime: base, Comment: "first"},
		Entry{StartedDateTime: base.Add(time.Second), Comment: "second"},
	)
	h.SortEntries()

	var order []string
	for _, e := range h.Log.Entries {
		order = append(order, e.Comment)
	}
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestNewCreatorStamp(t *testing.T) {
	h := New()
	assert.Equal(t, "1.2", h.Log.Version)
	assert.Equal(t, "proxycap", h.Log.Creator.Name)
}

func TestLargeUTF8BodyStaysText(t *testing.T) {
	body := strings.Repeat("héllo wörld ", 1000)
	var r Response
	r.SetContent([]byte(body), "text/plain; charset=utf-8", false)
	assert.Equal(t, body, r.Content.Text)
	assert.Empty(t, r.Content.Encoding)
}
