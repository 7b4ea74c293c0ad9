// Package status answers "did this tenant post today?" from recent channel history.
package status

import (
	"context"
	"sort"
	"strings"
	"time"

	"watchbot/internal/transport"
)

// UTC8 is the fixed offset used for day boundaries, independent of the host timezone.
var UTC8 = time.FixedZone("UTC+8", 8*60*60)

// HistoryWindow is how many recent channel messages are inspected.
// Older messages are invisible to the check even if they are from today.
const HistoryWindow = 50

// DayKey returns the YYYY-MM-DD calendar day of t in UTC+8.
func DayKey(t time.Time) string {
	return t.In(UTC8).Format("2006-01-02")
}

type Status int

const (
	NotYet Status = iota
	Posted
)

func (s Status) String() string {
	if s == Posted {
		return "POSTED"
	}
	return "NOT_YET"
}

type Result struct {
	Status  Status
	DayKey  string
	Message *transport.Message
}

// Today looks for the newest message tagged with tag whose day key equals now's.
func Today(ctx context.Context, ch transport.Channel, tag string, now time.Time) (Result, error) {
	res := Result{Status: NotYet, DayKey: DayKey(now)}

	msgs, err := ch.Recent(ctx, HistoryWindow)
	if err != nil {
		return res, err
	}
	if len(msgs) > HistoryWindow {
		msgs = msgs[:HistoryWindow]
	}

	tagged := make([]transport.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.Contains(m.Text, tag) {
			tagged = append(tagged, m)
		}
	}
	sort.SliceStable(tagged, func(i, j int) bool {
		return tagged[i].CreatedAt.After(tagged[j].CreatedAt)
	})

	for i := range tagged {
		if DayKey(tagged[i].CreatedAt) == res.DayKey {
			m := tagged[i]
			res.Status = Posted
			res.Message = &m
			return res, nil
		}
	}
	return res, nil
}
