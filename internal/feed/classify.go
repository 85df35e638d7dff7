package feed

import (
	"fmt"
	"regexp"
	"strings"
)

type Kind int

const (
	// KindIgnored: informational or unrecognized, no notification.
	KindIgnored Kind = iota
	// KindSuppressed: matched an omit rule; dropped before anything else.
	KindSuppressed
	// KindNotify: becomes a notification of Result.Category.
	KindNotify
)

func (k Kind) String() string {
	switch k {
	case KindSuppressed:
		return "suppressed"
	case KindNotify:
		return "notify"
	default:
		return "ignored"
	}
}

type Result struct {
	Kind     Kind
	Category Category
	Entity   EntityRef
}

// Rules is the ordered rule set. Patterns are Go regular expressions matched
// against title+" "+action; codes are compared case-insensitively.
type Rules struct {
	Omit         []string
	Created      []string
	SuccessCodes []string
	ErrorCodes   []string
}

// DefaultRules covers the Portuguese back-office messages plus English equivalents.
func DefaultRules() Rules {
	return Rules{
		Omit: []string{
			`(?i)j[aá]\s+(est[aá]\s+)?(cadastrad|registrad|existe)`,
			`(?i)duplicad[oa]`,
			`(?i)already\s+(exists|registered)`,
			`(?i)\bduplicate\b`,
		},
		Created: []string{
			`(?i)\b(cadastrad[oa]|criad[oa])\b`,
			`(?i)\bnov[oa]\s+(cliente|contrato|registro|fatura)\b`,
			`(?i)\b(created|registered)\b`,
		},
		SuccessCodes: []string{"success", "sucesso", "created", "201"},
		ErrorCodes:   []string{"error", "erro", "failure", "falha"},
	}
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	omit    []*regexp.Regexp
	created []*regexp.Regexp
	success map[string]struct{}
	errs    map[string]struct{}
}

func NewClassifier(r Rules) (*Classifier, error) {
	omit, err := compileAll("omit", r.Omit)
	if err != nil {
		return nil, err
	}
	created, err := compileAll("created", r.Created)
	if err != nil {
		return nil, err
	}
	return &Classifier{
		omit:    omit,
		created: created,
		success: codeSet(r.SuccessCodes),
		errs:    codeSet(r.ErrorCodes),
	}, nil
}

// Default returns a classifier over DefaultRules.
func Default() *Classifier {
	c, err := NewClassifier(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify maps one event to a Result. Omit rules win over everything else,
// including an explicit success code.
func (c *Classifier) Classify(ev RawEvent) Result {
	text := ev.MatchText()
	res := Result{Entity: ev.Entity()}

	if matchAny(c.omit, text) {
		res.Kind = KindSuppressed
		return res
	}
	code := strings.ToLower(strings.TrimSpace(ev.Code))
	if matchAny(c.created, text) || inSet(c.success, code) {
		res.Kind = KindNotify
		res.Category = CategoryNewEntity
		return res
	}
	if inSet(c.errs, code) {
		res.Kind = KindNotify
		res.Category = CategoryError
		return res
	}
	res.Kind = KindIgnored
	res.Category = CategoryInfo
	return res
}

func compileAll(name string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("classifier.%s[%d]: %w", name, i, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func codeSet(codes []string) map[string]struct{} {
	m := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			m[c] = struct{}{}
		}
	}
	return m
}

func matchAny(res []*regexp.Regexp, text string) bool {
	if text == "" {
		return false
	}
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func inSet(m map[string]struct{}, code string) bool {
	if code == "" {
		return false
	}
	_, ok := m[code]
	return ok
}
