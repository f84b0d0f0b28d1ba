package policies

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/upb/llm-governance-gateway/services/policy"
)

var tickerPattern = regexp.MustCompile(`\$?\b[A-Z]{1,5}\b`)

// Short English words that look like tickers once text is upper-cased
var tickerStopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`A I AN AS AT BE BY DO GO HE IF IN IS IT ME MY NO OF ON OR SO TO UP US WE
		THE AND FOR ARE BUT NOT YOU ALL CAN HER WAS ONE OUR OUT DAY GET HAS HIM HIS HOW ITS MAY
		NEW NOW OLD SEE TWO WAY WHO BOY DID LET PUT SAY SHE TOO USE`) {
		tickerStopWords[w] = struct{}{}
	}
}

var defaultMNPIPhrases = []string{
	"insider information",
	"material non-public",
	"non-public information",
	"confidential deal",
	"upcoming merger",
	"upcoming acquisition",
	"earnings before announcement",
	"pre-announcement",
	"material information",
	"restricted list",
	"watch list",
	"trading restriction",
}

// MNPICheck blocks references to restricted securities and phrases that
// suggest material non-public information.
//
// Settings: securities (list of tickers), watch_list (path to a file with one
// ticker per line, # comments), phrases (replaces the default phrase list).
type MNPICheck struct {
	restricted map[string]struct{}
	phrases    []string
}

// NewMNPICheck returns the module with an empty restricted list
func NewMNPICheck() *MNPICheck {
	return &MNPICheck{
		restricted: make(map[string]struct{}),
		phrases:    defaultMNPIPhrases,
	}
}

// Name returns the registry name of the module
func (m *MNPICheck) Name() string { return NameMNPI }

// Configure adds securities and watch_list tickers and replaces phrases when set
func (m *MNPICheck) Configure(settings map[string]interface{}) error {
	securities, _, err := stringListSetting(settings, "securities")
	if err != nil {
		return err
	}
	for _, s := range securities {
		m.addTicker(s)
	}

	path, err := stringSetting(settings, "watch_list", "")
	if err != nil {
		return err
	}
	if path != "" {
		tickers, err := LoadWatchList(path)
		if err != nil {
			return err
		}
		for _, s := range tickers {
			m.addTicker(s)
		}
	}

	phrases, ok, err := stringListSetting(settings, "phrases")
	if err != nil {
		return err
	}
	if ok {
		m.phrases = make([]string, 0, len(phrases))
		for _, p := range phrases {
			m.phrases = append(m.phrases, strings.ToLower(normalize(p)))
		}
	}
	return nil
}

func (m *MNPICheck) addTicker(s string) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "$")
	if s != "" {
		m.restricted[s] = struct{}{}
	}
}

// Restricted reports whether ticker is on the restricted list
func (m *MNPICheck) Restricted(ticker string) bool {
	_, ok := m.restricted[strings.ToUpper(ticker)]
	return ok
}

// Evaluate blocks a prompt or response naming a restricted security or an
// MNPI phrase
func (m *MNPICheck) Evaluate(ctx context.Context, pctx policy.Context) (policy.Result, error) {
	text := normalize(pctx.Prompt)
	if pctx.Response != "" {
		text += " " + normalize(pctx.Response)
	}

	var hits []string
	for _, t := range detectTickers(text) {
		if m.Restricted(t) {
			hits = append(hits, t)
		}
	}
	if len(hits) > 0 {
		return policy.Block(NameMNPI, fmt.Sprintf(
			"Restricted security detected: %s. Discussion of these securities is not permitted.",
			strings.Join(hits, ", "))).WithConfidence(0.95), nil
	}

	if phrase, ok := containsAny(strings.ToLower(text), m.phrases); ok {
		return policy.Block(NameMNPI, fmt.Sprintf(
			"Potential material non-public information detected (%q). Discussion of confidential material information is not permitted.",
			phrase)).WithConfidence(0.85), nil
	}

	return policy.Allow(NameMNPI), nil
}

// detectTickers returns the distinct ticker-shaped tokens of text, sorted
func detectTickers(text string) []string {
	seen := make(map[string]struct{})
	for _, match := range tickerPattern.FindAllString(strings.ToUpper(text), -1) {
		t := strings.TrimPrefix(match, "$")
		if len(t) < 2 {
			continue
		}
		if _, stop := tickerStopWords[t]; stop {
			continue
		}
		seen[t] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// LoadWatchList reads one ticker per line, skipping blanks and # comments
func LoadWatchList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open watch list: %w", err)
	}
	defer f.Close()

	var tickers []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tickers = append(tickers, strings.ToUpper(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read watch list %s: %w", path, err)
	}
	return tickers, nil
}
