// Tests for payload parsing and structural validation
package docload

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNavigation returns a complete navigation entry with every phase and
// milestone populated, timed in August 2024 epoch milliseconds.
func testNavigation() *Navigation {
	return &Navigation{
		Phases: Phases{
			FetchStart:        1723800000100,
			DomainLookupStart: 1723800000105,
			DomainLookupEnd:   1723800000115,
			ConnectStart:      1723800000115,
			ConnectEnd:        1723800000140,
			RequestStart:      1723800000141,
			ResponseStart:     1723800000230,
			ResponseEnd:       1723800000260,
		},
		DOMInteractive:             1723800000450,
		DOMContentLoadedEventStart: 1723800000455,
		DOMContentLoadedEventEnd:   1723800000470,
		DOMComplete:                1723800000800,
		LoadEventStart:             1723800000800,
		LoadEventEnd:               1723800000810,
	}
}

// testPayload returns a valid payload with one resource entry.
func testPayload() *Payload {
	return &Payload{
		URL:        "https://shop.example/checkout",
		UserAgent:  "Mozilla/5.0 (test)",
		Navigation: testNavigation(),
		Resources: []Resource{
			{
				Name:          "https://shop.example/static/app.js",
				InitiatorType: "script",
				TransferSize:  48213,
				Phases: Phases{
					FetchStart:        1723800000300,
					DomainLookupStart: 1723800000300,
					DomainLookupEnd:   1723800000300,
					ConnectStart:      1723800000300,
					ConnectEnd:        1723800000300,
					RequestStart:      1723800000301,
					ResponseStart:     1723800000340,
					ResponseEnd:       1723800000360,
				},
			},
		},
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("full payload", func(t *testing.T) {
		t.Parallel()
		input := `{
			"url": "https://shop.example/checkout",
			"userAgent": "Mozilla/5.0",
			"traceparent": "00-ab42124a3c573678d4d8b21ba52df3bf-d21f7bc17caa5aba-01",
			"navigation": {"fetchStart": 1723800000100.5, "responseEnd": 1723800000260, "loadEventEnd": 1723800000810},
			"resources": [{"name": "https://shop.example/app.js", "initiatorType": "script",
				"fetchStart": 1723800000300, "responseEnd": 1723800000360, "transferSize": 1234}],
			"attributes": {"app.version": "1.2.3"}
		}`
		p, err := Parse(strings.NewReader(input))
		require.NoError(t, err)
		assert.Equal(t, "https://shop.example/checkout", p.URL)
		require.NotNil(t, p.Navigation)
		assert.Equal(t, 1723800000100.5, p.Navigation.FetchStart)
		require.Len(t, p.Resources, 1)
		assert.Equal(t, int64(1234), p.Resources[0].TransferSize)
		assert.Equal(t, "1.2.3", p.Attributes["app.version"])
	})

	t.Run("unknown fields tolerated", func(t *testing.T) {
		t.Parallel()
		p, err := Parse(strings.NewReader(`{"url": "https://x.example/", "futureField": 7, "navigation": {"fetchStart": 1, "responseEnd": 2}}`))
		require.NoError(t, err)
		assert.Equal(t, "https://x.example/", p.URL)
	})

	t.Run("malformed json", func(t *testing.T) {
		t.Parallel()
		_, err := Parse(strings.NewReader(`{"url": `))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing payload")
	})

	t.Run("oversized payload", func(t *testing.T) {
		t.Parallel()
		_, err := Parse(strings.NewReader(strings.Repeat("x", maxPayloadSize+1)))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds maximum size")
	})
}

func TestParseFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"url": "https://x.example/", "navigation": {"fetchStart": 1, "responseEnd": 2}}`), 0o644))

	p, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://x.example/", p.URL)

	_, err = ParseFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening payload")
}

func TestPayloadValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Payload)
		wantErr string
	}{
		{
			name: "valid payload",
		},
		{
			name:    "missing url",
			mutate:  func(p *Payload) { p.URL = "" },
			wantErr: "url is required",
		},
		{
			name:    "relative url",
			mutate:  func(p *Payload) { p.URL = "checkout" },
			wantErr: "must be absolute",
		},
		{
			name:    "unparseable url",
			mutate:  func(p *Payload) { p.URL = "://checkout" },
			wantErr: "url",
		},
		{
			name:    "malformed traceparent",
			mutate:  func(p *Payload) { p.Traceparent = "00-zz-zz-01" },
			wantErr: "traceparent",
		},
		{
			name:    "missing navigation",
			mutate:  func(p *Payload) { p.Navigation = nil },
			wantErr: "navigation timing is required",
		},
		{
			name:    "zero fetchStart",
			mutate:  func(p *Payload) { p.Navigation.FetchStart = 0 },
			wantErr: "fetchStart must be positive",
		},
		{
			name:    "responseEnd before fetchStart",
			mutate:  func(p *Payload) { p.Navigation.ResponseEnd = p.Navigation.FetchStart - 50 },
			wantErr: "precedes fetchStart",
		},
		{
			name: "phases out of order",
			mutate: func(p *Payload) {
				p.Navigation.ConnectEnd = p.Navigation.ConnectStart - 10
			},
			wantErr: "timing out of order",
		},
		{
			name:    "resource without name",
			mutate:  func(p *Payload) { p.Resources[0].Name = "" },
			wantErr: "name is required",
		},
		{
			name: "resource timings do not bracket",
			mutate: func(p *Payload) {
				p.Resources[0].ResponseEnd = p.Resources[0].FetchStart - 1
			},
			wantErr: "do not bracket",
		},
		{
			name: "resource phases out of order",
			mutate: func(p *Payload) {
				p.Resources[0].ResponseStart = p.Resources[0].ResponseEnd + 100
			},
			wantErr: "timing out of order",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := testPayload()
			if tt.mutate != nil {
				tt.mutate(p)
			}
			err := p.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPhasesUsable(t *testing.T) {
	t.Parallel()

	assert.True(t, Phases{FetchStart: 100, ResponseEnd: 200}.usable())
	assert.True(t, Phases{FetchStart: 100, ResponseEnd: 100}.usable())
	assert.False(t, Phases{}.usable())
	assert.False(t, Phases{FetchStart: 0, ResponseEnd: 200}.usable())
	assert.False(t, Phases{FetchStart: 200, ResponseEnd: 100}.usable())
}

func TestMsTime(t *testing.T) {
	t.Parallel()

	got := msTime(1723800000100.5)
	assert.Equal(t, int64(1723800000100_500_000), got.UnixNano())
	assert.Equal(t, "UTC", got.Location().String())
}
