// Package metric maintains rolling histories of expvar counters for the
// status server.
package metric

import (
	"container/list"
	"expvar"
	"strings"
	"time"
)

// historyLen is how many samples each history retains.  The status page
// charts deltas between samples, so one extra entry is kept beyond an hour
// of minutes to anchor the first delta.
const historyLen = 61

// TickerFunc is the function signature accepted by AddTickerFunc, it will be
// called once per minute to sample counters.
type TickerFunc func()

var tickerFuncChan = make(chan TickerFunc)

func init() {
	go sampleLoop(time.Minute)
}

// AddTickerFunc registers a callback to be invoked on each sampling tick.
func AddTickerFunc(f TickerFunc) {
	tickerFuncChan <- f
}

// Push appends the current value of ev to history, trims it to historyLen
// entries, and returns the history as a comma separated string.
func Push(history *list.List, ev expvar.Var) string {
	history.PushBack(ev.String())
	if history.Len() > historyLen {
		history.Remove(history.Front())
	}
	return joinStringList(history)
}

// sampleLoop invokes the registered TickerFuncs once per interval.
func sampleLoop(interval time.Duration) {
	var funcs []TickerFunc
	ticker := time.NewTicker(interval)

	for {
		select {
		case <-ticker.C:
			for _, f := range funcs {
				f()
			}
		case f := <-tickerFuncChan:
			funcs = append(funcs, f)
		}
	}
}

// joinStringList joins a List containing strings by commas.
func joinStringList(listOfStrings *list.List) string {
	if listOfStrings.Len() == 0 {
		return ""
	}
	s := make([]string, 0, listOfStrings.Len())
	for e := listOfStrings.Front(); e != nil; e = e.Next() {
		s = append(s, e.Value.(string))
	}
	return strings.Join(s, ",")
}
