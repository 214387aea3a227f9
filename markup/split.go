package markup

// Split cuts text into chunks of at most max code points. Each chunk is
// filled greedily: the cut lands on the last newline inside the window,
// else the last space, else exactly at max. Chunks concatenate back to the
// input unchanged.
//
// Split serves the fallback path where a finalized answer must be delivered
// as fresh messages; the relay's mid-stream overflow decision works on
// rendered length instead because it runs before the text is fully known.
func Split(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + max
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}

		cut := -1
		for i := end - 1; i >= start; i-- {
			if runes[i] == '\n' || runes[i] == ' ' {
				cut = i + 1 // the separator stays with the leading chunk
				break
			}
		}

		if cut > start {
			chunks = append(chunks, string(runes[start:cut]))
			start = cut
		} else {
			chunks = append(chunks, string(runes[start:end]))
			start = end
		}
	}
	return chunks
}
