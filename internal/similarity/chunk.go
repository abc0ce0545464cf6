package similarity

import (
	"strings"
	"unicode/utf8"
)

// MaxChunkChars caps the size of a single embedding chunk. The embedding
// API rejects oversized inputs, so page content is split before indexing.
const MaxChunkChars = 30000

// Chunk splits markdown content into embedding-sized chunks. Splits happen
// at paragraph boundaries where possible; a single paragraph longer than
// MaxChunkChars is hard-split. Empty content yields no chunks.
func Chunk(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= MaxChunkChars {
		return []string{content}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(content, "\n\n") {
		// Oversized paragraph: flush what we have and hard-split it
		// on rune boundaries
		if len(para) > MaxChunkChars {
			flush()
			for len(para) > MaxChunkChars {
				cut := MaxChunkChars
				for cut > 0 && !utf8.RuneStart(para[cut]) {
					cut--
				}
				if cut == 0 {
					cut = MaxChunkChars
				}
				chunks = append(chunks, para[:cut])
				para = para[cut:]
			}
			if s := strings.TrimSpace(para); s != "" {
				current.WriteString(s)
			}
			continue
		}

		if current.Len()+len(para)+2 > MaxChunkChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}
