package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"dvbsboard/core"
)

func TestProjectWednesday(t *testing.T) {
	state := map[core.BoardID]core.Document{
		core.BoardPrimary:  {"Cpoints": int64(10), "Apoints": int64(99)},
		core.BoardMiddlers: {"Cpoints": int64(20)},
		core.BoardJuniors:  {"Cpoints": int64(0)},
		core.BoardYouth:    {"Cpoints": int64(5)},
	}
	got := Project(state, core.Groups, core.DayC)
	want := core.Series{
		Day:   core.DayC,
		Label: "Wednesday",
		Points: []core.Point{
			{Board: core.BoardPrimary, Value: 10, Color: "#FFC100"},
			{Board: core.BoardMiddlers, Value: 20, Color: "#04d924"},
			{Board: core.BoardJuniors, Value: 0, Color: "#027df7"},
			{Board: core.BoardYouth, Value: 5, Color: "#f70233"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("series mismatch (-want +got):\n%s", diff)
	}
}

func TestProjectDefaultsMissingToZero(t *testing.T) {
	got := Project(map[core.BoardID]core.Document{}, []core.BoardID{core.BoardYouth}, core.DayA)
	if len(got.Points) != 1 || got.Points[0].Value != 0 || got.Label != "Monday" {
		t.Fatalf("unexpected series %+v", got)
	}
}
