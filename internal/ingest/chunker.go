package ingest

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/warden/internal/prompt"
)

const DefaultMaxChunkTokens = 400

// ChunkDocument splits text into chunks of whole paragraphs, breaking when the
// next paragraph would push a chunk past maxTokens. A single paragraph larger
// than maxTokens becomes its own chunk.
func ChunkDocument(ref, title, text string, maxTokens int, count prompt.Counter) []Chunk {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxChunkTokens
	}
	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []string
	used := 0
	for _, p := range paragraphs {
		n := count("", p)
		// Break on token boundary.
		if len(current) > 0 && used+n > maxTokens {
			chunks = append(chunks, buildChunk(ref, title, current, len(chunks)))
			current = nil
			used = 0
		}
		current = append(current, p)
		used += n
	}

	// Flush remaining.
	if len(current) > 0 {
		chunks = append(chunks, buildChunk(ref, title, current, len(chunks)))
	}
	return chunks
}

func buildChunk(ref, title string, paragraphs []string, idx int) Chunk {
	return Chunk{
		SourceID: fmt.Sprintf("%s#chunk-%d", ref, idx),
		Title:    title,
		Text:     strings.Join(paragraphs, "\n\n"),
	}
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TitleOf returns the first markdown heading of text, or fallback.
func TitleOf(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			if t := strings.TrimSpace(strings.TrimLeft(line, "#")); t != "" {
				return t
			}
		}
	}
	return fallback
}
