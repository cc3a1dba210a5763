package proxycap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxycap/proxycap/har"
)

func TestCaptureTypeBitmask(t *testing.T) {
	types := CaptureHeaders | CaptureRequestContent
	assert.True(t, types.Has(CaptureRequestHeaders))
	assert.True(t, types.Has(CaptureResponseHeaders))
	assert.True(t, types.Has(CaptureRequestContent))
	assert.False(t, types.Has(CaptureResponseContent))
	assert.False(t, types.Has(CaptureWebsocketMessages))

	assert.True(t, CaptureEverything.Has(CaptureResponseBinaryContent))
}

func TestEnableDisableCaptureTypes(t *testing.T) {
	c := newCapture(CaptureHeaders)
	c.EnableCaptureTypes(CaptureContent)
	assert.True(t, c.CaptureTypes().Has(CaptureHeaders|CaptureContent))

	c.DisableCaptureTypes(CaptureRequestContent)
	assert.False(t, c.CaptureTypes().Has(CaptureRequestContent))
	assert.True(t, c.CaptureTypes().Has(CaptureResponseContent))
}

func TestNewHarOpensDefaultPage(t *testing.T) {
	c := newCapture(CaptureHeaders)
	assert.False(t, c.Active())

	prev := c.NewHar()
	assert.Nil(t, prev)
	assert.True(t, c.Active())

	archive := c.Har()
	require.NotNil(t, archive)
	require.Len(t, archive.Log.Pages, 1)
	assert.Equal(t, "Page 1", archive.Log.Pages[0].ID)
	assert.Equal(t, "1.2", archive.Log.Version)
}

func TestNewHarCustomPageRef(t *testing.T) {
	c := newCapture(0)
	c.NewHar("login")
	archive := c.Har()
	require.Len(t, archive.Log.Pages, 1)
	assert.Equal(t, "login", archive.Log.Pages[0].ID)
}

func TestNewPageNumbering(t *testing.T) {
	c := newCapture(0)
	c.NewHar()
	_, err := c.NewPage()
	require.NoError(t, err)
	_, err = c.NewPage()
	require.NoError(t, err)

	archive := c.Har()
	require.Len(t, archive.Log.Pages, 3)
	assert.Equal(t, "Page 1", archive.Log.Pages[0].ID)
	assert.Equal(t, "Page 2", archive.Log.Pages[1].ID)
	assert.Equal(t, "Page 3", archive.Log.Pages[2].ID)
}

func TestPageCounterRestartsOnNewHar(t *testing.T) {
	c := newCapture(0)
	c.NewHar()
	c.NewPage()
	c.NewHar()

	archive := c.Har()
	require.Len(t, archive.Log.Pages, 1)
	assert.Equal(t, "Page 1", archive.Log.Pages[0].ID)
}

func TestNewPageWithoutHar(t *testing.T) {
	c := newCapture(0)
	_, err := c.NewPage()
	assert.ErrorIs(t, err, ErrHarNotStarted)
}

func TestNewHarReturnsPreviousArchive(t *testing.T) {
	c := newCapture(0)
	c.NewHar()
	c.append(har.Entry{})

	prev := c.NewHar()
	require.NotNil(t, prev)
	assert.Len(t, prev.Log.Entries, 1)
	assert.Empty(t, c.Har().Log.Entries)
}

func TestEndHarDetaches(t *testing.T) {
	c := newCapture(0)
	c.NewHar()
	c.append(har.Entry{})

	archive := c.EndHar()
	require.NotNil(t, archive)
	assert.Len(t, archive.Log.Entries, 1)
	assert.False(t, c.Active())
	assert.Nil(t, c.EndHar())

	// Appends after EndHar are dropped, not panicking.
	c.append(har.Entry{})
	assert.Len(t, archive.Log.Entries, 1)
}

func TestEntriesTaggedWithCurrentPage(t *testing.T) {
	c := newCapture(0)
	c.NewHar()
	c.append(har.Entry{})
	c.NewPage()
	c.append(har.Entry{})

	archive := c.Har()
	require.Len(t, archive.Log.Entries, 2)
	assert.Equal(t, "Page 1", archive.Log.Entries[0].PageRef)
	assert.Equal(t, "Page 2", archive.Log.Entries[1].PageRef)
}

func TestNewPageReturnsClosedSnapshot(t *testing.T) {
	c := newCapture(0)
	c.NewHar()
	c.append(har.Entry{})

	closed, err := c.NewPage()
	require.NoError(t, err)
	assert.Len(t, closed.Log.Entries, 1)
	require.Len(t, closed.Log.Pages, 1)

	// The snapshot is detached from the live archive.
	c.append(har.Entry{})
	assert.Len(t, closed.Log.Entries, 1)
}
