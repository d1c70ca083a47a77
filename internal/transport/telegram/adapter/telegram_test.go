package adapter

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"heraldbot/internal/domain"
	"heraldbot/internal/transport"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()

	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q, want [hello]", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("line one\n", 30)
	chunks := splitText(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if c == "" {
			t.Fatalf("chunk %d is empty", i)
		}
		if strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d ends with newline", i)
		}
	}
}

func TestSplitTextNoNewlines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 250)
	chunks := splitText(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != 250 {
		t.Fatalf("total runes = %d, want 250", total)
	}
}

func TestClassifyErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		err           error
		wantForbidden bool
	}{
		{name: "nil", err: nil},
		{name: "kicked", err: &tele.Error{Code: 403, Description: "Forbidden: bot was kicked from the group chat"}, wantForbidden: true},
		{name: "blocked", err: &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, wantForbidden: true},
		{name: "bad request", err: &tele.Error{Code: 400, Description: "Bad Request: chat not found"}},
		{name: "plain error", err: errors.New("dial tcp: timeout")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := classifyErr(tc.err)
			if tc.err == nil {
				if got != nil {
					t.Fatalf("classifyErr(nil) = %v", got)
				}
				return
			}
			if gotForbidden := errors.Is(got, transport.ErrForbidden); gotForbidden != tc.wantForbidden {
				t.Fatalf("forbidden = %v, want %v (err=%v)", gotForbidden, tc.wantForbidden, got)
			}
		})
	}
}

func TestButtonMarkup(t *testing.T) {
	t.Parallel()

	if rm := buttonMarkup(nil); rm != nil {
		t.Fatalf("buttonMarkup(nil) = %+v, want nil", rm)
	}

	rm := buttonMarkup([]domain.ButtonItem{
		{Label: "Join", URL: "https://example.com/join"},
		{Label: "Docs", URL: "https://example.com/docs"},
	})
	if rm == nil || len(rm.InlineKeyboard) != 2 {
		t.Fatalf("rows = %+v, want 2 rows", rm)
	}
	for i, row := range rm.InlineKeyboard {
		if len(row) != 1 {
			t.Fatalf("row %d has %d buttons, want 1", i, len(row))
		}
	}
	if rm.InlineKeyboard[0][0].Text != "Join" || rm.InlineKeyboard[0][0].URL != "https://example.com/join" {
		t.Fatalf("first button = %+v", rm.InlineKeyboard[0][0])
	}
}

func TestFileFor(t *testing.T) {
	t.Parallel()

	if f := fileFor("https://example.com/a.jpg"); f.FileURL == "" || f.FileID != "" {
		t.Fatalf("url ref = %+v, want FileURL set", f)
	}
	if f := fileFor("AgACAgIAAxkBAAI"); f.FileID == "" || f.FileURL != "" {
		t.Fatalf("file id ref = %+v, want FileID set", f)
	}
}
