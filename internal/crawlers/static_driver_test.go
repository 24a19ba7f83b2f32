package crawlers

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dataPageHTML = `<html><body>
<div class="networks">
  <a href="/data/mtn" class="net-mtn">MTN</a>
  <a href="#" class="net-glo">Glo</a>
</div>
<select id="plan">
  <option value="">Select Plan</option>
  <option value="500mb">500MB - ₦150</option>
  <option value="1gb">1GB - ₦300</option>
</select>
<form action="/schools" method="get">
  <select name="state"><option value="abia">Abia</option><option value="lagos">Lagos</option></select>
  <button type="submit">Search</button>
</form>
</body></html>`

func newMockStaticDriver(t *testing.T) (*httpmock.MockTransport, Driver) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	f := NewStaticFactory(StaticConfig{RequestTimeout: time.Second, UserAgent: "portalharvest-test", Transport: mt}, nil)
	d, err := f.NewDriver(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return mt, d
}

func TestStaticDriver_NavigateAndQuery(t *testing.T) {
	mt, d := newMockStaticDriver(t)
	mt.RegisterResponder("GET", "https://vendor.example.com/data", httpmock.NewStringResponder(200, dataPageHTML))

	ctx := context.Background()
	page := d.Page()
	require.NoError(t, page.Navigate(ctx, "https://vendor.example.com/data"))
	assert.Equal(t, "https://vendor.example.com/data", page.URL())

	options, err := page.Elements(ctx, "select#plan option")
	require.NoError(t, err)
	require.Len(t, options, 3)

	text, err := options[1].Text()
	require.NoError(t, err)
	assert.Equal(t, "500MB - ₦150", text)

	v, ok := Attr(options[1], "value")
	assert.True(t, ok)
	assert.Equal(t, "500mb", v)

	none, err := page.Elements(ctx, "table.missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStaticDriver_ClickFollowsLink(t *testing.T) {
	mt, d := newMockStaticDriver(t)
	mt.RegisterResponder("GET", "https://vendor.example.com/data", httpmock.NewStringResponder(200, dataPageHTML))
	mt.RegisterResponder("GET", "https://vendor.example.com/data/mtn",
		httpmock.NewStringResponder(200, `<ul class="plans"><li data-plan="1gb">1GB ₦300</li></ul>`))

	ctx := context.Background()
	page := d.Page()
	require.NoError(t, page.Navigate(ctx, "https://vendor.example.com/data"))

	links, err := page.Elements(ctx, "a.net-mtn")
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.NoError(t, links[0].Click(ctx))

	assert.Equal(t, "https://vendor.example.com/data/mtn", page.URL())
	require.NoError(t, page.WaitFor(ctx, []string{"ul.plans li"}, time.Second))

	// 锚点链接不导航
	require.NoError(t, page.Navigate(ctx, "https://vendor.example.com/data"))
	glo, _ := page.Elements(ctx, "a.net-glo")
	require.NoError(t, glo[0].Click(ctx))
	assert.Equal(t, "https://vendor.example.com/data", page.URL())
}

func TestStaticDriver_SelectOptionAndSubmitForm(t *testing.T) {
	mt, d := newMockStaticDriver(t)
	mt.RegisterResponder("GET", "https://vendor.example.com/data", httpmock.NewStringResponder(200, dataPageHTML))
	mt.RegisterResponder("GET", "https://vendor.example.com/schools?state=lagos",
		httpmock.NewStringResponder(200, `<table class="schools"><tr><td>Kings College</td></tr></table>`))

	ctx := context.Background()
	page := d.Page()
	require.NoError(t, page.Navigate(ctx, "https://vendor.example.com/data"))

	states, err := page.Elements(ctx, "select[name=state] option")
	require.NoError(t, err)
	require.NoError(t, states[1].Click(ctx))

	_, selected := Attr(states[1], "selected")
	assert.True(t, selected)
	_, stillSelected := Attr(states[0], "selected")
	assert.False(t, stillSelected)

	buttons, err := page.Elements(ctx, "form button")
	require.NoError(t, err)
	require.NoError(t, buttons[0].Click(ctx))

	assert.Equal(t, "https://vendor.example.com/schools?state=lagos", page.URL())
	rows, err := page.Elements(ctx, "table.schools tr")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStaticDriver_WaitForTimeout(t *testing.T) {
	mt, d := newMockStaticDriver(t)
	mt.RegisterResponder("GET", "https://vendor.example.com/data", httpmock.NewStringResponder(200, dataPageHTML))

	ctx := context.Background()
	require.NoError(t, d.Page().Navigate(ctx, "https://vendor.example.com/data"))
	err := d.Page().WaitFor(ctx, []string{"ul.plans li"}, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrSettleTimeout)
}

func TestStaticDriver_HTTPError(t *testing.T) {
	mt, d := newMockStaticDriver(t)
	mt.RegisterResponder("GET", "https://vendor.example.com/data", httpmock.NewStringResponder(503, "down"))

	err := d.Page().Navigate(context.Background(), "https://vendor.example.com/data")
	assert.Error(t, err)
}

func TestStaticDriver_BrotliResponse(t *testing.T) {
	mt, d := newMockStaticDriver(t)

	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write([]byte(dataPageHTML))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	mt.RegisterResponder("GET", "https://vendor.example.com/data", func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewBytesResponse(200, buf.Bytes())
		resp.Header.Set("Content-Encoding", "br")
		return resp, nil
	})

	ctx := context.Background()
	require.NoError(t, d.Page().Navigate(ctx, "https://vendor.example.com/data"))
	options, err := d.Page().Elements(ctx, "select#plan option")
	require.NoError(t, err)
	assert.Len(t, options, 3)
}

func TestStaticDriver_ResetClearsCookies(t *testing.T) {
	mt, d := newMockStaticDriver(t)

	var lastCookie string
	mt.RegisterResponder("GET", "https://vendor.example.com/login", func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(200, "<p>ok</p>")
		resp.Header.Add("Set-Cookie", "sid=abc123; Path=/")
		return resp, nil
	})
	mt.RegisterResponder("GET", "https://vendor.example.com/data", func(req *http.Request) (*http.Response, error) {
		lastCookie = req.Header.Get("Cookie")
		return httpmock.NewStringResponse(200, dataPageHTML), nil
	})

	ctx := context.Background()
	page := d.Page()
	require.NoError(t, page.Navigate(ctx, "https://vendor.example.com/login"))
	require.NoError(t, page.Navigate(ctx, "https://vendor.example.com/data"))
	assert.Contains(t, lastCookie, "sid=abc123")

	require.NoError(t, d.Ping(ctx))
	require.NoError(t, d.Reset(ctx))
	assert.Equal(t, "about:blank", page.URL())

	require.NoError(t, page.Navigate(ctx, "https://vendor.example.com/data"))
	assert.NotContains(t, lastCookie, "sid=abc123")
}

func TestStaticDriver_ClosedDriverFailsProbe(t *testing.T) {
	_, d := newMockStaticDriver(t)
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Ping(context.Background()), ErrDriverClosed)
	assert.ErrorIs(t, d.Page().Navigate(context.Background(), "https://vendor.example.com/data"), ErrDriverClosed)
}

func TestPageFromHTML(t *testing.T) {
	page, err := PageFromHTML("https://vendor.example.com/data", dataPageHTML)
	require.NoError(t, err)

	options, err := page.Elements(context.Background(), "option")
	require.NoError(t, err)
	assert.Len(t, options, 5)

	assert.Error(t, page.Navigate(context.Background(), "https://elsewhere.example.com"))
}

func TestDecompressBody(t *testing.T) {
	out, err := decompressBody("identity", []byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", string(out))

	_, err = decompressBody("gzip", []byte("not gzip"))
	assert.Error(t, err)
}
