// ABOUTME: Individual traffic detectors: user agent, browser headers, behavior, IP, self-identification
// ABOUTME: Each detector inspects one aspect of a request and returns at most one signal

package detect

import (
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
)

// Pattern recognizes a client from its User-Agent.
type Pattern struct {
	Name       string
	Framework  string // agent framework the client belongs to, if any
	Expr       *regexp.Regexp
	Confidence float64
}

// DefaultPatterns is the user-agent table, most specific first.
func DefaultPatterns() []Pattern {
	p := func(name, framework, expr string, confidence float64) Pattern {
		return Pattern{Name: name, Framework: framework, Expr: regexp.MustCompile(expr), Confidence: confidence}
	}
	return []Pattern{
		p("langchain", "langchain", `(?i)langchain`, 0.95),
		p("crewai", "crewai", `(?i)crewai`, 0.95),
		p("autogen", "autogen", `(?i)autogen`, 0.95),
		p("llamaindex", "llamaindex", `(?i)llama[-_]?index`, 0.95),
		p("openai-agents", "openai-agents", `(?i)openai[-_]agents`, 0.95),
		p("openai", "openai", `(?i)\b(gptbot|chatgpt-user|oai-searchbot|openai)\b`, 0.9),
		p("anthropic", "anthropic", `(?i)\b(anthropic-ai|claudebot|claude-web)\b`, 0.9),
		p("perplexity", "perplexity", `(?i)perplexity`, 0.9),
		p("headless-browser", "", `(?i)headlesschrome|puppeteer|playwright|phantomjs|selenium|webdriver`, 0.9),
		p("scrapy", "", `(?i)scrapy`, 0.9),
		p("python-requests", "", `(?i)python-requests|python-urllib|python-httpx|aiohttp`, 0.85),
		p("curl", "", `(?i)^curl/`, 0.8),
		p("wget", "", `(?i)^wget/`, 0.8),
		p("go-http-client", "", `(?i)go-http-client`, 0.8),
		p("node", "", `(?i)node-fetch|axios|undici|got \(`, 0.8),
		p("java", "", `(?i)okhttp|apache-httpclient|^java/`, 0.7),
		p("generic-bot", "", `(?i)bot\b|crawler|spider|scraper`, 0.7),
	}
}

var browserUA = regexp.MustCompile(`(?i)^mozilla/5\.0 .*(chrome|firefox|safari|edg)/`)

// detectUserAgent matches the User-Agent against the pattern table.
func detectUserAgent(h http.Header, patterns []Pattern) *Signal {
	ua := strings.TrimSpace(h.Get("User-Agent"))
	if ua == "" {
		return &Signal{
			Name:       "missing_user_agent",
			Category:   CategoryUserAgent,
			Confidence: 0.8,
			Reason:     "no User-Agent header",
		}
	}
	for _, p := range patterns {
		if !p.Expr.MatchString(ua) {
			continue
		}
		s := &Signal{
			Name:       "user_agent_pattern",
			Category:   CategoryUserAgent,
			Confidence: p.Confidence,
			Reason:     "User-Agent matches " + p.Name,
			Data:       map[string]string{"pattern": p.Name},
		}
		if p.Framework != "" {
			s.Data[DataFramework] = p.Framework
		}
		return s
	}
	if browserUA.MatchString(ua) {
		return &Signal{
			Name:       "browser_user_agent",
			Category:   CategoryUserAgent,
			Confidence: 0.1,
			Reason:     "User-Agent looks like a browser",
		}
	}
	return &Signal{
		Name:       "unrecognized_user_agent",
		Category:   CategoryUserAgent,
		Confidence: 0.4,
		Reason:     "User-Agent is neither a known client nor a browser",
	}
}

// browserHeaders are sent by every mainstream browser on navigation.
var browserHeaders = []string{
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
	"Sec-Fetch-Mode",
	"Sec-Fetch-Site",
	"Sec-Fetch-Dest",
	"Sec-Ch-Ua",
}

// detectMissingHeaders scores the share of standard browser headers absent.
func detectMissingHeaders(h http.Header) *Signal {
	var missing []string
	for _, name := range browserHeaders {
		if h.Get(name) == "" {
			missing = append(missing, strings.ToLower(name))
		}
	}
	s := &Signal{
		Name:       "missing_browser_headers",
		Category:   CategoryHeaders,
		Confidence: float64(len(missing)) / float64(len(browserHeaders)),
		Reason:     "all standard browser headers present",
	}
	if len(missing) > 0 {
		s.Reason = "missing " + strings.Join(missing, ", ")
		s.Data = map[string]string{"missing": strings.Join(missing, ",")}
	}
	return s
}

// detectBehavior looks for the habits of API clients: no cookies, no
// referer, and an Accept header asking only for JSON.
func detectBehavior(h http.Header) *Signal {
	score := 0.0
	var reasons []string
	if h.Get("Cookie") == "" {
		score += 0.3
		reasons = append(reasons, "no cookies")
	}
	if h.Get("Referer") == "" {
		score += 0.2
		reasons = append(reasons, "no referer")
	}
	if jsonOnly(h.Get("Accept")) {
		score += 0.4
		reasons = append(reasons, "accepts only JSON")
	}
	if score > 1 {
		score = 1
	}
	s := &Signal{
		Name:       "api_client_behavior",
		Category:   CategoryBehavior,
		Confidence: score,
		Reason:     "browser-like behavior",
	}
	if len(reasons) > 0 {
		s.Reason = strings.Join(reasons, ", ")
	}
	return s
}

func jsonOnly(accept string) bool {
	if accept == "" {
		return false
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt != "application/json" && !strings.HasSuffix(mt, "+json") {
			return false
		}
	}
	return true
}

// CloudRange labels an address prefix with the provider that owns it.
type CloudRange struct {
	Provider string
	Prefix   netip.Prefix
}

// DefaultCloudRanges is a coarse list of large hosting-provider blocks.
func DefaultCloudRanges() []CloudRange {
	r := func(provider, prefix string) CloudRange {
		return CloudRange{Provider: provider, Prefix: netip.MustParsePrefix(prefix)}
	}
	return []CloudRange{
		r("aws", "3.0.0.0/9"),
		r("aws", "52.0.0.0/11"),
		r("aws", "54.64.0.0/11"),
		r("gcp", "34.64.0.0/10"),
		r("gcp", "35.184.0.0/13"),
		r("azure", "20.32.0.0/11"),
		r("azure", "40.64.0.0/10"),
		r("digitalocean", "104.131.0.0/16"),
		r("digitalocean", "159.89.0.0/16"),
		r("hetzner", "65.108.0.0/15"),
	}
}

// parseRemoteAddr accepts "host:port" or a bare address.
func parseRemoteAddr(remote string) (netip.Addr, bool) {
	if remote == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// detectCloudIP reports addresses inside a known hosting range. Residential
// or unknown addresses produce no signal.
func detectCloudIP(remote string, ranges []CloudRange) *Signal {
	addr, ok := parseRemoteAddr(remote)
	if !ok {
		return nil
	}
	for _, r := range ranges {
		if r.Prefix.Contains(addr) {
			return &Signal{
				Name:       "cloud_ip",
				Category:   CategoryIP,
				Confidence: 0.7,
				Reason:     "address belongs to " + r.Provider,
				Data:       map[string]string{"provider": r.Provider, "prefix": r.Prefix.String()},
			}
		}
	}
	return nil
}

// Self-identification headers.
const (
	HeaderAgentFramework = "X-Agent-Framework"
	HeaderAgentName      = "X-Agent-Name"
	HeaderAgentID        = "X-Agent-Id"
	HeaderBot            = "X-Bot"
	HeaderSignatureAgent = "Signature-Agent"
)

// detectSelfID inspects headers an agent uses to announce itself. A declared
// framework is conclusive.
func detectSelfID(h http.Header) *Signal {
	if fw := strings.TrimSpace(h.Get(HeaderAgentFramework)); fw != "" {
		return &Signal{
			Name:       "declared_framework",
			Category:   CategorySelfID,
			Confidence: 1.0,
			Reason:     "client declared framework " + fw,
			Data:       map[string]string{DataFramework: frameworkName(fw)},
		}
	}
	if v := strings.TrimSpace(h.Get(HeaderSignatureAgent)); v != "" {
		return &Signal{
			Name:       "signature_agent",
			Category:   CategorySelfID,
			Confidence: 0.95,
			Reason:     "client sent Signature-Agent",
			Data:       map[string]string{"signature_agent": v},
		}
	}
	for _, name := range []string{HeaderAgentName, HeaderAgentID} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return &Signal{
				Name:       "declared_agent",
				Category:   CategorySelfID,
				Confidence: 0.9,
				Reason:     "client sent " + name,
				Data:       map[string]string{strings.ToLower(name): v},
			}
		}
	}
	if v := strings.ToLower(strings.TrimSpace(h.Get(HeaderBot))); v != "" && v != "0" && v != "false" && v != "no" {
		return &Signal{
			Name:       "declared_bot",
			Category:   CategorySelfID,
			Confidence: 0.9,
			Reason:     "client sent X-Bot",
		}
	}
	return nil
}

// frameworkName strips a version suffix: "langchain/0.1.0" becomes "langchain".
func frameworkName(declared string) string {
	name, _, _ := strings.Cut(declared, "/")
	return strings.ToLower(strings.TrimSpace(name))
}
