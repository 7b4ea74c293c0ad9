package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"watchbot/internal/source"
	"watchbot/internal/status"
	"watchbot/internal/tenant"
	"watchbot/internal/transport"
)

// User-visible replies.
const (
	MsgNoChannel    = "Alert channel not found or not text-based."
	MsgNoPosts      = "No posts found."
	MsgUnknown      = "Unknown command."
	MsgCommandError = "Error handling command. Check bot console logs."
)

// Reply colors.
const (
	ColorPosted   = 0x2ecc71
	ColorNotYet   = 0xf1c40f
	ColorNews     = 0x3498db
	ColorPatch    = 0x9b59b6
	ColorDebugOK  = 0xf1c40f
	ColorDebugBad = 0xe74c3c
)

// DebugReplyLimit bounds the DEBUG description, in runes.
const DebugReplyLimit = 3900

func (r *Router) handler(v tenant.Variant) HandlerFunc {
	switch v {
	case tenant.Status:
		return r.handleStatus
	case tenant.News:
		return r.handleNews
	case tenant.Patch:
		return r.handlePatch
	case tenant.Debug:
		return r.handleDebug
	default:
		return func(_ context.Context, req *Request) error {
			req.Reply = transport.Reply{Description: MsgUnknown}
			return nil
		}
	}
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	t := req.Tenant
	res, err := status.Today(ctx, req.Channel, t.Tag(), r.now())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	var b strings.Builder
	if res.Status == status.Posted {
		req.Reply.Title = t.Label + ": POSTED TODAY ✅"
		req.Reply.Color = ColorPosted
		fmt.Fprintf(&b, "Status for %s (UTC+8): Posted\n\nLast log:\n%s", res.DayKey, res.Message.Text)
	} else {
		req.Reply.Title = t.Label + ": NO POST TODAY ⚠️"
		req.Reply.Color = ColorNotYet
		fmt.Fprintf(&b, "Status for %s (UTC+8): No post found yet\n\nNo %s log found for today yet.", res.DayKey, t.Label)
	}

	if r.states != nil {
		if st := r.states.Read(ctx, t.Key); st.LastURL != "" {
			b.WriteString("\n\nLast seen: ")
			b.WriteString(st.LastURL)
			if st.LastAnnouncedAt != nil {
				b.WriteString(" (")
				b.WriteString(st.LastAnnouncedAt.In(status.UTC8).Format(time.DateTime))
				b.WriteString(" UTC+8)")
			}
		}
	}
	req.Reply.Description = b.String()
	return nil
}

func (r *Router) handleNews(ctx context.Context, req *Request) error {
	latest, err := r.src.Latest(ctx, req.Tenant)
	if err != nil {
		return fmt.Errorf("latest: %w", err)
	}
	if latest == nil {
		req.Reply = transport.Reply{Description: MsgNoPosts}
		return nil
	}
	req.Reply = transport.Reply{
		Title:       "📰 " + req.Tenant.Label + ": " + latest.Title,
		Description: itemBody(*latest),
		Color:       ColorNews,
	}
	return nil
}

// handlePatch falls back to the latest item when no update item exists.
func (r *Router) handlePatch(ctx context.Context, req *Request) error {
	t := req.Tenant
	item, err := r.src.LatestUpdate(ctx, t)
	if err != nil {
		return fmt.Errorf("latest update: %w", err)
	}
	fallback := item == nil
	if fallback {
		item, err = r.src.Latest(ctx, t)
		if err != nil {
			return fmt.Errorf("latest: %w", err)
		}
	}
	if item == nil {
		req.Reply = transport.Reply{Description: MsgNoPosts}
		return nil
	}

	prefix := "🧩 " + t.Label + " Patch/Update:"
	if fallback {
		prefix = "🧩 " + t.Label + " Patch/Update (fallback):"
	}
	req.Reply = transport.Reply{
		Title:       prefix + " " + item.Title,
		Description: itemBody(*item),
		Color:       ColorPatch,
	}
	return nil
}

func (r *Router) handleDebug(ctx context.Context, req *Request) error {
	t := req.Tenant
	info := r.src.Debug(ctx, t)

	lines := []string{
		"Bot: " + t.Label,
		"Source: " + string(t.Kind),
	}
	if t.Kind == tenant.KindWebsite {
		lines = append(lines, "URL: "+t.URL)
	} else {
		if t.Handle != "" {
			lines = append(lines, "Handle: @"+t.Handle)
		}
		if t.FeedURL != "" {
			lines = append(lines, "Feed URL: "+t.FeedURL)
		}
	}
	lines = append(lines, "OK: "+yesNo(info.OK))
	if info.Error != "" {
		lines = append(lines, "Error: "+info.Error)
	}
	lines = append(lines, fmt.Sprintf("Parsed posts: %d", info.Found), "", "Sample:")
	if len(info.Sample) == 0 {
		lines = append(lines, "- (none)")
	}
	for _, it := range info.Sample {
		src := it.SourceTag
		if src == "" {
			src = "?"
		}
		lines = append(lines, "- "+it.Title+"\n  "+it.URL+" ("+src+")")
	}

	color := ColorDebugOK
	if !info.OK {
		color = ColorDebugBad
	}
	req.Reply = transport.Reply{
		Title:       t.Label + " Debug",
		Description: limitRunes(strings.Join(lines, "\n"), DebugReplyLimit),
		Color:       color,
	}
	return nil
}

func itemBody(it source.Item) string {
	if it.Excerpt == "" {
		return it.URL
	}
	return it.URL + "\n\n> " + it.Excerpt
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// limitRunes cuts s to n runes without a marker.
func limitRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
