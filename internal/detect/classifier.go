// ABOUTME: Stateless classifier combining detector signals into an agent verdict
// ABOUTME: Weighted average over the categories that produced a signal

package detect

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// DefaultThreshold is the confidence at or above which a request is an agent.
const DefaultThreshold = 0.5

// Request is the part of an HTTP request the classifier inspects.
type Request struct {
	Header     http.Header
	RemoteAddr string
}

// FromHTTP extracts a Request from r.
func FromHTTP(r *http.Request) Request {
	return Request{Header: r.Header, RemoteAddr: r.RemoteAddr}
}

// Result is the classifier verdict.
type Result struct {
	IsAgent    bool     `json:"is_agent"`
	Confidence float64  `json:"confidence"`
	Signals    []Signal `json:"signals"`
	Framework  string   `json:"framework,omitempty"`
	Reason     string   `json:"reason"`
}

// Config tunes the classifier. Zero values take defaults.
type Config struct {
	Threshold   float64
	Weights     map[Category]float64 // overrides Category.DefaultWeight
	Patterns    []Pattern
	CloudRanges []CloudRange
}

// ErrInvalidConfig is returned by NewClassifier.
var ErrInvalidConfig = errors.New("invalid detection config")

// Classifier scores requests. It holds no mutable state and is safe for
// concurrent use.
type Classifier struct {
	threshold float64
	weights   map[Category]float64
	patterns  []Pattern
	ranges    []CloudRange
}

// NewClassifier builds a classifier from cfg.
func NewClassifier(cfg Config) (*Classifier, error) {
	c := &Classifier{
		threshold: cfg.Threshold,
		weights:   make(map[Category]float64, len(Categories)),
		patterns:  cfg.Patterns,
		ranges:    cfg.CloudRanges,
	}
	if c.threshold == 0 {
		c.threshold = DefaultThreshold
	}
	if c.threshold < 0 || c.threshold > 1 {
		return nil, fmt.Errorf("%w: threshold %v outside [0, 1]", ErrInvalidConfig, c.threshold)
	}
	for _, cat := range Categories {
		c.weights[cat] = cat.DefaultWeight()
	}
	for cat, w := range cfg.Weights {
		if _, known := c.weights[cat]; !known {
			return nil, fmt.Errorf("%w: unknown category %v", ErrInvalidConfig, cat)
		}
		if w < 0 {
			return nil, fmt.Errorf("%w: negative weight for %v", ErrInvalidConfig, cat)
		}
		c.weights[cat] = w
	}
	if c.patterns == nil {
		c.patterns = DefaultPatterns()
	}
	if c.ranges == nil {
		c.ranges = DefaultCloudRanges()
	}
	return c, nil
}

// Classify runs every detector over req.
func (c *Classifier) Classify(req Request) Result {
	h := req.Header
	if h == nil {
		h = http.Header{}
	}

	self := detectSelfID(h)
	if self != nil && self.Confidence >= 1 {
		return Result{
			IsAgent:    true,
			Confidence: 1,
			Signals:    []Signal{*self},
			Framework:  self.Data[DataFramework],
			Reason:     self.Reason,
		}
	}

	var signals []Signal
	for _, s := range []*Signal{
		detectUserAgent(h, c.patterns),
		detectMissingHeaders(h),
		self,
		detectBehavior(h),
		detectCloudIP(req.RemoteAddr, c.ranges),
	} {
		if s != nil {
			signals = append(signals, *s)
		}
	}

	confidence := c.score(signals)
	res := Result{
		IsAgent:    confidence >= c.threshold,
		Confidence: confidence,
		Signals:    signals,
		Framework:  framework(signals),
	}
	res.Reason = summarize(res)
	return res
}

// score averages the strongest signal of each present category, weighted and
// normalized by the weight actually represented.
func (c *Classifier) score(signals []Signal) float64 {
	best := make(map[Category]float64)
	for _, s := range signals {
		if s.Confidence > best[s.Category] {
			best[s.Category] = s.Confidence
		} else if _, ok := best[s.Category]; !ok {
			best[s.Category] = s.Confidence
		}
	}

	var sum, total float64
	for cat, conf := range best {
		w := c.weights[cat]
		sum += w * conf
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

func framework(signals []Signal) string {
	for _, s := range signals {
		if fw := s.Data[DataFramework]; fw != "" && s.Confidence > 0.5 {
			return fw
		}
	}
	return ""
}

func summarize(res Result) string {
	if !res.IsAgent {
		return "no strong agent signals"
	}
	strong := make([]Signal, 0, len(res.Signals))
	for _, s := range res.Signals {
		if s.Confidence >= 0.5 {
			strong = append(strong, s)
		}
	}
	sort.SliceStable(strong, func(i, j int) bool { return strong[i].Confidence > strong[j].Confidence })
	reasons := make([]string, 0, len(strong))
	for _, s := range strong {
		reasons = append(reasons, s.Reason)
	}
	return strings.Join(reasons, "; ")
}
