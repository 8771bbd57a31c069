package filter

import (
	"log"
	"regexp"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

// RegexConfig configures the regex rewrite filter (spec.md §4.6 "Regex
// rewrite"). Options map onto Go's RE2 syntax rather than PCRE2's; RE2 has
// no backtracking pathologies and needs no NOMEMORY grow-and-retry dance,
// so that part of the original contract collapses into "compile once".
type RegexConfig struct {
	Match        string
	Replace      string
	CaseInsensitive bool
	LogMatches   bool
	LogFile      string
}

// RegexRewrite substitutes globally on matching SQL text in client
// requests and forwards the rewritten buffer untouched otherwise.
type RegexRewrite struct {
	cfg *regexp.Regexp
	raw RegexConfig
}

// NewRegexRewrite compiles cfg.Match once at construction time.
func NewRegexRewrite(cfg RegexConfig) (*RegexRewrite, error) {
	pattern := cfg.Match
	if cfg.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexRewrite{cfg: re, raw: cfg}, nil
}

func (f *RegexRewrite) Name() string { return "regex_rewrite" }

func (f *RegexRewrite) OnRequest(session *SessionState, req Request) (Request, bool, error) {
	if req.Command != mariadb.ComQuery || len(req.Payload) < 2 {
		return req, false, nil
	}
	sql := req.Payload[1:]
	if !f.cfg.Match(sql) {
		return req, false, nil
	}
	rewritten := f.cfg.ReplaceAll(sql, []byte(f.raw.Replace))
	if f.raw.LogMatches {
		log.Printf("[filter regex_rewrite] matched, rewrote %d -> %d bytes", len(sql), len(rewritten))
	}
	out := Request{Command: req.Command, Payload: append([]byte{byte(req.Command)}, rewritten...)}
	return out, false, nil
}

func (f *RegexRewrite) OnReply(session *SessionState, reply Reply) (Reply, bool, error) {
	return reply, false, nil
}
