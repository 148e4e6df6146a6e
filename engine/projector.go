package engine

import "dvbsboard/core"

// Palette holds the bar color of each board by display index.
var Palette = []string{"#FFC100", "#04d924", "#027df7", "#f70233"}

// Project derives the chart series for day from the board state. It is pure:
// one point per board in order, absent scores count as zero.
func Project(state map[core.BoardID]core.Document, order []core.BoardID, day core.DayKey) core.Series {
	field := core.PointsField(day).Name()
	points := make([]core.Point, 0, len(order))
	for i, b := range order {
		points = append(points, core.Point{
			Board: b,
			Value: state[b].Int(field),
			Color: Palette[i%len(Palette)],
		})
	}
	return core.Series{Day: day, Label: day.Label(), Points: points}
}
