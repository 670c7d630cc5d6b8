package search

import "sort"

// MergeSameFileResults merges results from the same file whose line
// ranges touch or overlap into a single result, concatenating their
// content with a blank-line separator and keeping the higher of the two
// scores. This runs after fusion/reranking/filtering, right before the
// limit is applied, so a query that matches both halves of a chunked
// symbol returns it once instead of as two adjacent near-duplicates.
func MergeSameFileResults(results []*SearchResult) []*SearchResult {
	if len(results) < 2 {
		return results
	}

	byFile := make(map[string][]*SearchResult)
	order := make([]string, 0)
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		path := r.Chunk.FilePath
		if _, seen := byFile[path]; !seen {
			order = append(order, path)
		}
		byFile[path] = append(byFile[path], r)
	}

	merged := make([]*SearchResult, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			merged = append(merged, r)
		}
	}

	for _, path := range order {
		group := byFile[path]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Chunk.StartLine < group[j].Chunk.StartLine
		})
		merged = append(merged, mergeTouchingRanges(group)...)
	}

	return merged
}

func mergeTouchingRanges(group []*SearchResult) []*SearchResult {
	out := make([]*SearchResult, 0, len(group))
	current := group[0]

	for _, next := range group[1:] {
		if next.Chunk.StartLine <= current.Chunk.EndLine+1 {
			current = combineResults(current, next)
			continue
		}
		out = append(out, current)
		current = next
	}
	out = append(out, current)
	return out
}

func combineResults(a, b *SearchResult) *SearchResult {
	winner := a
	if b.Score > a.Score {
		winner = b
	}

	mergedChunk := *winner.Chunk
	if b.Chunk.EndLine > a.Chunk.EndLine {
		mergedChunk.EndLine = b.Chunk.EndLine
	}
	if a.Chunk.StartLine < b.Chunk.StartLine {
		mergedChunk.StartLine = a.Chunk.StartLine
	}
	mergedChunk.Content = trimJoin(a.Chunk.Content, b.Chunk.Content)

	result := *winner
	result.Chunk = &mergedChunk
	return &result
}

func trimJoin(a, b string) string {
	a = trimTrailingWhitespace(a)
	b = trimLeadingWhitespace(b)
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "\n\n" + b
}

func trimTrailingWhitespace(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[:end]
}

func trimLeadingWhitespace(s string) string {
	start := 0
	for start < len(s) && (s[start] == ' ' || s[start] == '\n' || s[start] == '\t' || s[start] == '\r') {
		start++
	}
	return s[start:]
}
