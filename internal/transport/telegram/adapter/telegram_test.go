package adapter

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "postbot/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	short := "hello"
	if got := splitTelegramText(short, 10, ""); len(got) != 1 || got[0] != short {
		t.Fatalf("short text split = %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitTelegramText(long, 10, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2 (%q)", len(got), got)
	}
	if got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("unexpected chunks %q", got)
	}

	html := "abcdefg<b>bold</b>"
	for _, c := range splitTelegramText(html, 9, "HTML") {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("chunk %q splits a tag", c)
		}
	}
}

func TestReplyMarkupSkipsEmptyButtons(t *testing.T) {
	t.Parallel()
	if replyMarkup(nil) != nil {
		t.Fatal("expected nil markup for no buttons")
	}
	rm := replyMarkup([][]kit.Button{
		{{Text: "Open", URL: "https://example.com"}, {Text: "", URL: "https://x"}},
		{{Text: "no url"}},
	})
	if rm == nil || len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 1 {
		t.Fatalf("unexpected markup %+v", rm)
	}
}

func TestInputMediaKinds(t *testing.T) {
	t.Parallel()
	p := kit.Payload{Text: "cap", Media: &kit.Media{Kind: kit.MediaPhoto, FileID: "F"}}
	in, err := inputMedia(p)
	if err != nil {
		t.Fatalf("inputMedia error: %v", err)
	}
	ph, ok := in.(*tele.Photo)
	if !ok || ph.FileID != "F" || ph.Caption != "cap" {
		t.Fatalf("unexpected media %#v", in)
	}
	if _, err := inputMedia(kit.Payload{Media: &kit.Media{Kind: "sticker", FileID: "x"}}); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
	if _, err := renderPayload(kit.Payload{}); err == nil {
		t.Fatal("expected error for empty payload")
	}
}
