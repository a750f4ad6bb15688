package inspector

import (
	"fmt"
	"io"

	"github.com/brensch/stagehand/internal/classify"
	"github.com/brensch/stagehand/internal/filestate"
)

// Unrecognized is the column used for files no file type matches.
const Unrecognized = "(unrecognized)"

// StateCounts counts the files of one state directory by file type.
type StateCounts struct {
	State  filestate.DataState
	ByType map[string]int
	Total  int
}

// Collect lists every state directory of dirs and classifies what it finds.
func Collect(dirs filestate.Directories, c *classify.Classifier) ([]StateCounts, error) {
	out := make([]StateCounts, 0, len(filestate.AllStates))
	for _, st := range filestate.AllStates {
		names, err := dirs.List(st)
		if err != nil {
			return nil, err
		}
		sc := StateCounts{State: st, ByType: make(map[string]int)}
		for _, name := range names {
			typ := Unrecognized
			if ft, err := c.Classify(name); err == nil {
				typ = ft.Name
			}
			sc.ByType[typ]++
			sc.Total++
		}
		out = append(out, sc)
	}
	return out, nil
}

// RenderStatus prints one row per file type and one column per state. Files
// left in ingest after a run point at unrecognized names.
func RenderStatus(w io.Writer, pipeline string, types []classify.FileType, counts []StateCounts) {
	names := make([]string, 0, len(types)+1)
	for _, ft := range types {
		names = append(names, ft.Name)
	}
	for _, sc := range counts {
		if sc.ByType[Unrecognized] > 0 {
			names = append(names, Unrecognized)
			break
		}
	}

	headers := []string{"File type"}
	for _, sc := range counts {
		headers = append(headers, string(sc.State))
	}
	t := newTable(headers...)
	for _, n := range names {
		row := []string{n}
		for _, sc := range counts {
			row = append(row, fmt.Sprint(sc.ByType[n]))
		}
		t.Row(row...)
	}
	total := []string{"total"}
	for _, sc := range counts {
		total = append(total, fmt.Sprint(sc.Total))
	}
	t.Row(total...)

	fmt.Fprintf(w, "Pipeline %s\n%s\n", pipeline, t.String())

	for _, sc := range counts {
		if sc.State == filestate.Ingest && sc.Total > 0 {
			fmt.Fprintln(w, errStyle.Render(fmt.Sprintf("%d files waiting in ingest.", sc.Total)))
		}
	}
}
