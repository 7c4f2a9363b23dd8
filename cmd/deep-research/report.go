package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mikeboe/deep-research/pkg/research"
)

// printReport writes the learnings of task with their numbered sources.
func printReport(w io.Writer, task research.ResearchTask) {
	fmt.Fprintf(w, "# %s\n\n", task.RootQuery)

	if len(task.Learnings) == 0 {
		fmt.Fprintln(w, "No learnings found.")
	}

	index := make(map[string]int)
	var sources []string
	for i, l := range task.Learnings {
		var refs []string
		for _, url := range task.Citations[l.Text] {
			n, ok := index[url]
			if !ok {
				sources = append(sources, url)
				n = len(sources)
				index[url] = n
			}
			refs = append(refs, fmt.Sprintf("[%d]", n))
		}
		fmt.Fprintf(w, "%d. %s", i+1, l.Text)
		if len(refs) > 0 {
			fmt.Fprintf(w, " %s", strings.Join(refs, ""))
		}
		fmt.Fprintln(w)
	}

	titles := make(map[string]string, len(task.Sources))
	for _, src := range task.Sources {
		titles[src.URL] = strings.TrimSpace(src.Title)
	}
	if len(sources) > 0 {
		fmt.Fprintln(w, "\n## Sources")
		for i, url := range sources {
			if title := titles[url]; title != "" {
				fmt.Fprintf(w, "[%d] %s - %s\n", i+1, title, url)
				continue
			}
			fmt.Fprintf(w, "[%d] %s\n", i+1, url)
		}
	}
	if len(task.Images) > 0 {
		fmt.Fprintf(w, "\nImages found: %d\n", len(task.Images))
	}

	fmt.Fprintf(w, "\nQueries: %d, failed: %d, pages visited: %d\n", len(task.Queries), len(task.Failures), len(task.VisitedURLs))
	if task.BudgetExceeded {
		fmt.Fprintln(w, "Research stopped early: budget exhausted or interrupted.")
	}
	fmt.Fprintf(w, "Total cost: $%.4f\n", task.Cost)
}
