package annotation

import "strings"

// SplitSource separates a cell's source into its header (comment markers
// stripped) and the remaining body lines.
//
// The header is the first contiguous chunk of '#' lines or the first
// triple-quoted block. Leading blank lines are skipped.
func SplitSource(source string) (header string, body []string) {
	lines := strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")

	var (
		head    []string
		inBlock bool
		quote   string
		i       int
	)
loop:
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case inBlock:
			if strings.HasSuffix(trimmed, quote) {
				if s := strings.TrimSpace(strings.TrimSuffix(trimmed, quote)); s != "" {
					head = append(head, s)
				}
				i++
				break loop
			}
			head = append(head, trimmed)
		case len(head) == 0 && trimmed == "":
			continue
		case len(head) == 0 && (strings.HasPrefix(trimmed, `"""`) || strings.HasPrefix(trimmed, `'''`)):
			quote = trimmed[:3]
			inner := trimmed[3:]
			if len(inner) >= 3 && strings.HasSuffix(inner, quote) {
				head = append(head, strings.TrimSpace(strings.TrimSuffix(inner, quote)))
				i++
				break loop
			}
			inBlock = true
			if s := strings.TrimSpace(inner); s != "" {
				head = append(head, s)
			}
		case strings.HasPrefix(trimmed, "#"):
			head = append(head, strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
		default:
			break loop
		}
	}
	if i < len(lines) {
		body = lines[i:]
	}
	return strings.Join(head, "\n"), body
}
