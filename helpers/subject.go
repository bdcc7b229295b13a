package helpers

import "strings"

// BaseSubject derives the thread-grouping form of an email subject: the
// lower-cased subject with reply/forward markers and mailing-list bracket
// tags stripped, repeated until no prefix matches, with internal
// whitespace collapsed. It is used only for heuristic thread matching,
// never for display.
//
// The stripping loop follows the base subject extraction of RFC 5256
// section 2.1, extended with the "[tag]" prefixes mailing-list managers
// prepend to subjects.
func BaseSubject(subject string) string {
	if subject == "" {
		return ""
	}

	normalized := strings.ToLower(SanitizeUTF8(subject))

	changed := true
	for changed {
		changed = false
		old := normalized

		normalized = strings.TrimSpace(normalized)
		normalized = removeReplyPrefix(normalized)
		normalized = removeForwardPrefix(normalized)
		normalized = removeListTag(normalized)

		if old != normalized {
			changed = true
		}
	}

	return collapseWhitespace(strings.TrimSpace(normalized))
}

// removeReplyPrefix removes reply prefixes like "re:", "re[2]:", "re(3):".
func removeReplyPrefix(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "re:") {
		return strings.TrimSpace(s[3:])
	}

	if strings.HasPrefix(s, "re[") || strings.HasPrefix(s, "re(") {
		closeChar := byte(']')
		if s[2] == '(' {
			closeChar = ')'
		}
		closeIdx := strings.IndexByte(s[3:], closeChar)
		if closeIdx >= 0 {
			afterBracket := s[3+closeIdx+1:]
			if strings.HasPrefix(afterBracket, ":") {
				return strings.TrimSpace(afterBracket[1:])
			}
		}
	}

	return s
}

// removeForwardPrefix removes forward prefixes like "fwd:", "fw:", "forward:".
func removeForwardPrefix(s string) string {
	s = strings.TrimSpace(s)

	for _, prefix := range []string{"fwd:", "fw:", "forward:"} {
		if strings.HasPrefix(s, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}

	return s
}

// removeListTag removes a single leading "[tag]" prefix. Tags appear at
// the front of subjects on lists configured with subject prefixing.
func removeListTag(s string) string {
	s = strings.TrimSpace(s)

	if !strings.HasPrefix(s, "[") {
		return s
	}
	closeIdx := strings.IndexByte(s, ']')
	if closeIdx < 0 {
		return s
	}
	return strings.TrimSpace(s[closeIdx+1:])
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
