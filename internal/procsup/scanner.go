package procsup

import (
	"bufio"
	"io"
)

// scanLines reads r line by line, handling arbitrarily long lines the way
// buildkite-agent's process.ScanLines does: bufio.Reader.ReadLine signals a
// too-long line via isPrefix, so we buffer and reassemble instead of
// truncating.
func scanLines(r io.Reader, f func(line string)) {
	reader := bufio.NewReader(r)
	var appending []byte

	for {
		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			return
		}

		if isPrefix && appending == nil {
			appending = make([]byte, len(line), cap(line)*2)
			copy(appending, line)
			continue
		}

		if appending != nil {
			appending = append(appending, line...)
			if !isPrefix {
				line = appending
				appending = nil
			} else {
				continue
			}
		}

		f(string(line))
	}
}
