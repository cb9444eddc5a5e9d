package corpus

import (
	"fmt"
	"strings"
	"unicode"
)

// Chunk splits text into windows of at most size runes, consecutive windows
// sharing overlap runes. Window ends are pulled back to the last whitespace
// in the final fifth of the window when there is one, so words are not cut.
func Chunk(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			floor := end - size/5
			for i := end; i > floor; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// chunkDocuments expands every document into its chunks. A document that
// fits in one chunk keeps its ID; otherwise chunk IDs are "<id>#<n>".
func chunkDocuments(docs []Document, size, overlap int) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		pieces := Chunk(d.Text, size, overlap)
		if len(pieces) <= 1 {
			out = append(out, d)
			continue
		}
		for i, p := range pieces {
			c := d
			c.ID = fmt.Sprintf("%s#%d", d.ID, i+1)
			c.Parent = d.ID
			c.Text = p
			out = append(out, c)
		}
	}
	return out
}
