package minutes

import "strings"

// MergeNote folds next into the running note acc. When one text already
// contains the other the longer one wins; otherwise the two are joined with a
// newline. An empty next never overwrites a populated acc.
func MergeNote(acc, next string) string {
	switch {
	case strings.TrimSpace(next) == "":
		return acc
	case strings.TrimSpace(acc) == "":
		return next
	case strings.Contains(acc, next):
		return acc
	case strings.Contains(next, acc):
		return next
	default:
		return acc + "\n" + next
	}
}

// MergeChunkNotes merges one chunk's per-item notes into acc in place.
func MergeChunkNotes(acc map[string]string, chunk map[string]string) {
	for id, note := range chunk {
		acc[id] = MergeNote(acc[id], note)
	}
}

// NotesForAgenda returns one note per agenda item, "" for items never discussed.
// Notes keyed by ids outside the agenda are dropped.
func NotesForAgenda(items []AgendaItem, merged map[string]string) map[string]string {
	out := make(map[string]string, len(items))
	for _, item := range items {
		out[item.ID] = merged[item.ID]
	}
	return out
}
