package sanitize

import "regexp"

// injectionPatterns are heuristics for text that tries to steer an LLM:
// role hijacking, prompt-delimiter mimicry, code execution and encoded
// payload markers. A match is recorded, never blocked.
var injectionPatterns = compileAll(
	`(?i)\b(you are|you're) (now |)(a |an |)(new |different |)?(assistant|ai|bot|system|admin)\b`,
	`(?i)\bignore (all |)(previous|prior|above|earlier) (instructions|prompts|context|rules)\b`,
	`(?i)\bignore (everything|anything) (above|before|previously)\b`,
	`(?i)\bforget (your|all|previous|prior) (instructions|rules|prompts|constraints)\b`,
	`(?i)\boverride (system|safety|security) (prompt|instructions|rules|settings)\b`,
	`(?i)\b(system|admin|root) ?(prompt|override|mode|access)\b`,
	`(?i)\bnew (system ?prompt|instructions|persona|role)\b`,
	`(?i)</?system>`,
	`(?i)\[INST\]`,
	`(?i)\[/INST\]`,
	`(?i)<<SYS>>`,
	`(?i)<\|im_start\|>`,
	"(?i)```system",
	`(?i)\b(execute|run|eval|exec)\s*\(`,
	`(?i)\bcurl\s+-`,
	`(?i)\bwget\s+`,
	`(?i)\b(rm|del|remove)\s+(-rf?|--force)`,
	`(?i)\bbase64[_\s\-]*(decode|encode|eval)`,
	`(?i)\batob\s*\(`,
	`(?i)\bdo not (review|check|flag|report|mention)\b`,
	`(?i)\bthis is (a |)(test|safe|authorized|harmless)\b.*\b(ignore|skip|bypass)\b`,
	`(?i)\bpretend (you|that|to)\b`,
	`(?i)\brole\s*:\s*(system|assistant|user)\b`,
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		out[i] = regexp.MustCompile(expr)
	}
	return out
}

// countMatches returns how many distinct patterns match text.
func countMatches(text string) int {
	n := 0
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}
