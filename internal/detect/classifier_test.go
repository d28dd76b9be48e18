// ABOUTME: Tests for the agent traffic classifier
// ABOUTME: Covers self-identification short-circuit, browser traffic, and per-detector behavior

package detect

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(Config{})
	require.NoError(t, err)
	return c
}

func browserHeaderSet() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Ch-Ua", `"Chromium";v="124"`)
	h.Set("Cookie", "session=abc")
	h.Set("Referer", "https://example.com/")
	return h
}

func TestClassify_DeclaredFrameworkShortCircuits(t *testing.T) {
	c := newClassifier(t)

	h := browserHeaderSet()
	h.Set("X-Agent-Framework", "langchain/0.1.0")
	res := c.Classify(Request{Header: h, RemoteAddr: "198.51.100.7:4312"})

	assert.True(t, res.IsAgent)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "langchain", res.Framework)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, CategorySelfID, res.Signals[0].Category)
}

func TestClassify_BrowserIsNotAgent(t *testing.T) {
	c := newClassifier(t)

	res := c.Classify(Request{Header: browserHeaderSet(), RemoteAddr: "198.51.100.7:4312"})

	assert.False(t, res.IsAgent)
	assert.Less(t, res.Confidence, 0.5)
	assert.Empty(t, res.Framework)
}

func TestClassify_CommonClients(t *testing.T) {
	c := newClassifier(t)

	tests := []struct {
		name      string
		ua        string
		remote    string
		framework string
	}{
		{"python requests", "python-requests/2.31.0", "198.51.100.7:1", ""},
		{"curl", "curl/8.4.0", "198.51.100.7:1", ""},
		{"langchain ua", "LangChain/0.2 (+https://langchain.com)", "198.51.100.7:1", "langchain"},
		{"gptbot from cloud", "Mozilla/5.0 AppleWebKit/537.36 (KHTML, like Gecko); compatible; GPTBot/1.0", "3.1.2.3:443", "openai"},
		{"go client", "Go-http-client/1.1", "[2001:db8::1]:80", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set("User-Agent", tt.ua)
			h.Set("Accept", "application/json")
			res := c.Classify(Request{Header: h, RemoteAddr: tt.remote})
			assert.True(t, res.IsAgent, "confidence %v", res.Confidence)
			assert.Equal(t, tt.framework, res.Framework)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestClassify_EmptyRequest(t *testing.T) {
	c := newClassifier(t)
	res := c.Classify(Request{})
	assert.True(t, res.IsAgent)
	assert.Len(t, res.Signals, 3, "user agent, headers and behavior; no address to inspect")
}

func TestClassify_WeightOverride(t *testing.T) {
	c, err := NewClassifier(Config{Weights: map[Category]float64{CategoryUserAgent: 0}})
	require.NoError(t, err)

	// With the user agent ignored, the browser UA no longer dilutes the
	// header and behavior evidence of a bare scripted request.
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/125.0")
	res := c.Classify(Request{Header: h})
	assert.True(t, res.IsAgent)
}

func TestNewClassifier_Invalid(t *testing.T) {
	_, err := NewClassifier(Config{Threshold: 2})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewClassifier(Config{Weights: map[Category]float64{Category(42): 1}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewClassifier(Config{Weights: map[Category]float64{CategoryIP: -1}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDetectSelfID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"signature agent", "Signature-Agent", `"https://agent.example"`, "signature_agent"},
		{"agent name", "X-Agent-Name", "research-bot", "declared_agent"},
		{"agent id", "X-Agent-Id", "agent_123", "declared_agent"},
		{"bot flag", "X-Bot", "true", "declared_bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set(tt.header, tt.value)
			s := detectSelfID(h)
			require.NotNil(t, s)
			assert.Equal(t, tt.want, s.Name)
			assert.Less(t, s.Confidence, 1.0)
		})
	}

	h := http.Header{}
	h.Set("X-Bot", "false")
	assert.Nil(t, detectSelfID(h))
}

func TestDetectMissingHeaders(t *testing.T) {
	s := detectMissingHeaders(http.Header{})
	assert.Equal(t, 1.0, s.Confidence)

	s = detectMissingHeaders(browserHeaderSet())
	assert.Equal(t, 0.0, s.Confidence)
}

func TestDetectBehavior(t *testing.T) {
	h := http.Header{}
	h.Set("Accept", "application/json, application/problem+json")
	s := detectBehavior(h)
	assert.InDelta(t, 0.9, s.Confidence, 1e-9)

	assert.Equal(t, 0.0, detectBehavior(browserHeaderSet()).Confidence)
}

func TestDetectCloudIP(t *testing.T) {
	ranges := DefaultCloudRanges()

	s := detectCloudIP("34.100.1.1:8080", ranges)
	require.NotNil(t, s)
	assert.Equal(t, "gcp", s.Data["provider"])

	assert.NotNil(t, detectCloudIP("::ffff:3.5.5.5", ranges), "v4-mapped addresses match v4 ranges")
	assert.Nil(t, detectCloudIP("192.0.2.1:80", ranges))
	assert.Nil(t, detectCloudIP("not-an-ip", ranges))
	assert.Nil(t, detectCloudIP("", ranges))
}

func TestFromHTTP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Agent-Framework", "crewai")
	req := FromHTTP(r)
	assert.Equal(t, r.RemoteAddr, req.RemoteAddr)

	res := newClassifier(t).Classify(req)
	assert.Equal(t, "crewai", res.Framework)
}

func TestCategory_Names(t *testing.T) {
	total := 0.0
	for _, c := range Categories {
		parsed, ok := ParseCategory(c.String())
		require.True(t, ok)
		assert.Equal(t, c, parsed)
		total += c.DefaultWeight()
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}
