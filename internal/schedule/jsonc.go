package schedule

// Schedule files are hand-edited, so the on-disk format is JSON with
// comments (// line, /* block */, and # at line start) and trailing commas.
// StripJSONC turns that into strict JSON before structural parsing.
// Content inside string literals is preserved verbatim.
func StripJSONC(text string) string {
	return stripTrailingCommas(stripComments(text))
}

func stripComments(text string) string {
	out := make([]byte, 0, len(text))
	n := len(text)
	var (
		inString      bool
		quote         byte
		escape        bool
		inLineComment bool
		inBlock       bool
	)

	peek := func(i int) byte {
		if i < n {
			return text[i]
		}
		return 0
	}

	for i := 0; i < n; {
		ch := text[i]
		switch {
		case inLineComment:
			if ch == '\n' {
				inLineComment = false
				out = append(out, ch)
			}
			i++
		case inBlock:
			if ch == '*' && peek(i+1) == '/' {
				inBlock = false
				i += 2
			} else {
				i++
			}
		case inString:
			out = append(out, ch)
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == quote:
				inString = false
			}
			i++
		case ch == '"' || ch == '\'':
			inString = true
			quote = ch
			out = append(out, ch)
			i++
		case ch == '/' && peek(i+1) == '/':
			inLineComment = true
			i += 2
		case ch == '/' && peek(i+1) == '*':
			inBlock = true
			i += 2
		case ch == '#' && atLineStart(out):
			inLineComment = true
			i++
		default:
			out = append(out, ch)
			i++
		}
	}
	return string(out)
}

// atLineStart reports whether only whitespace precedes the current position
// on its line. A # elsewhere stays literal (it may be part of a value).
func atLineStart(out []byte) bool {
	for j := len(out) - 1; j >= 0; j-- {
		switch out[j] {
		case ' ', '\t':
			continue
		case '\n':
			return true
		default:
			return false
		}
	}
	return true
}

func stripTrailingCommas(text string) string {
	out := make([]byte, 0, len(text))
	n := len(text)
	var (
		inString bool
		quote    byte
		escape   bool
	)

	for i := 0; i < n; i++ {
		ch := text[i]
		if inString {
			out = append(out, ch)
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == quote:
				inString = false
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			inString = true
			quote = ch
			out = append(out, ch)
			continue
		}
		if ch == ',' {
			k := i + 1
			for k < n && (text[k] == ' ' || text[k] == '\t' || text[k] == '\r' || text[k] == '\n') {
				k++
			}
			if k < n && (text[k] == '}' || text[k] == ']') {
				continue
			}
		}
		out = append(out, ch)
	}
	return string(out)
}
