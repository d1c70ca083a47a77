package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"heraldbot/internal/domain"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/notify"
	"heraldbot/internal/storage"
	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

type sentText struct {
	chatID int64
	text   string
	opt    transport.SendOptions
}

type sentMedia struct {
	chatID  int64
	media   domain.MediaItem
	caption string
	opt     transport.SendOptions
}

// fakeTransport scripts per-chat outcomes and records every delivery.
type fakeTransport struct {
	mu         sync.Mutex
	notAdmin   map[int64]bool
	adminErr   map[int64]error
	sendErr    map[int64]error
	adminCalls map[int64]int
	texts      []sentText
	media      []sentMedia

	delay    time.Duration
	inFlight int
	maxSeen  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		notAdmin:   map[int64]bool{},
		adminErr:   map[int64]error{},
		sendErr:    map[int64]error{},
		adminCalls: map[int64]int{},
	}
}

func (f *fakeTransport) IsAdministrator(ctx context.Context, chatID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminCalls[chatID]++
	if err := f.adminErr[chatID]; err != nil {
		return false, err
	}
	return !f.notAdmin[chatID], nil
}

func (f *fakeTransport) SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) error {
	if err := f.deliver(chatID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{chatID: chatID, text: text, opt: optOrZero(opt)})
	return nil
}

func (f *fakeTransport) SendMedia(ctx context.Context, chatID int64, media domain.MediaItem, caption string, opt *transport.SendOptions) error {
	if err := f.deliver(chatID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, sentMedia{chatID: chatID, media: media, caption: caption, opt: optOrZero(opt)})
	return nil
}

// deliver tracks fan-out pressure and injects the scripted error.
func (f *fakeTransport) deliver(chatID int64) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	delay := f.delay
	err := f.sendErr[chatID]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) textsTo(chatID int64) []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentText
	for _, s := range f.texts {
		if s.chatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) adminCount(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adminCalls[chatID]
}

func optOrZero(opt *transport.SendOptions) transport.SendOptions {
	if opt == nil {
		return transport.SendOptions{}
	}
	return *opt
}

type fakeAlerter struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeAlerter) Alertf(ctx context.Context, sev notify.Severity, format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, string(sev)+" "+fmt.Sprintf(format, args...))
	return nil
}

func (f *fakeAlerter) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func newTestEngine(cfg Config, st *storage.Memory, tr Transport, al Alerter, bus eventbus.Bus) *Engine {
	return New(cfg, st, tr, al, logx.Nop(), bus,
		WithRand(rand.New(rand.NewSource(1))))
}

func seedTextGroup(st *storage.Memory, slug string, chatIDs ...int64) domain.ContentGroup {
	g := st.AddContentGroup(domain.ContentGroup{
		Slug:  slug,
		Name:  slug,
		Texts: []domain.TextItem{{Text: "hello", Weight: 1}},
	})
	for _, id := range chatIDs {
		st.AddTarget(domain.DeliveryTarget{ChatID: id, ContentGroupID: &g.ID, Active: true})
	}
	return g
}

func drainEvents(ch <-chan eventbus.Event) map[string]int {
	counts := map[string]int{}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return counts
			}
			counts[ev.Type]++
		default:
			return counts
		}
	}
}

func TestDispatchIsolatesTargetFailures(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	g := seedTextGroup(st, "promo", 101, 102, 103)

	tr := newFakeTransport()
	tr.sendErr[102] = fmt.Errorf("%w: bot was kicked", transport.ErrForbidden)
	tr.sendErr[103] = errors.New("rpc timeout")

	al := &fakeAlerter{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	e := newTestEngine(Config{}, st, tr, al, bus)
	rep, err := e.Dispatch(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if rep.Targets != 3 || rep.Sent != 1 || rep.Skipped != 1 || rep.Failed != 1 {
		t.Fatalf("report = %+v, want targets=3 sent=1 skipped=1 failed=1", rep)
	}
	if got := tr.textsTo(101); len(got) != 1 || got[0].text != "hello" {
		t.Fatalf("chat 101 got %+v, want exactly one message", got)
	}
	if got := tr.textsTo(102); len(got) != 0 {
		t.Fatalf("forbidden chat 102 got %+v, want none", got)
	}
	if got := tr.textsTo(103); len(got) != 0 {
		t.Fatalf("failing chat 103 got %+v, want none", got)
	}

	lines := al.all()
	if len(lines) != 1 {
		t.Fatalf("alerts = %v, want exactly one", lines)
	}
	if !strings.Contains(lines[0], "103") || !strings.Contains(lines[0], "rpc timeout") {
		t.Fatalf("alert %q does not name the failed chat", lines[0])
	}
	if strings.Contains(lines[0], "102") {
		t.Fatalf("alert %q mentions the forbidden chat", lines[0])
	}

	counts := drainEvents(events)
	for typ, want := range map[string]int{
		"dispatch.sent":    1,
		"dispatch.skipped": 1,
		"dispatch.failed":  1,
		"dispatch.batch":   1,
	} {
		if counts[typ] != want {
			t.Fatalf("event counts = %v, want %d %s", counts, want, typ)
		}
	}
}

func TestDispatchSkipsNonAdminSilently(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	g := seedTextGroup(st, "promo", 201)

	tr := newFakeTransport()
	tr.notAdmin[201] = true
	al := &fakeAlerter{}

	e := newTestEngine(Config{}, st, tr, al, nil)
	rep, err := e.Dispatch(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Skipped != 1 || rep.Sent != 0 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want one silent skip", rep)
	}
	if len(tr.texts) != 0 {
		t.Fatalf("non-admin chat received %+v", tr.texts)
	}
	if lines := al.all(); len(lines) != 0 {
		t.Fatalf("alerts = %v, want none for permission skips", lines)
	}
}

func TestDispatchAdminCheckErrorIsReported(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	g := seedTextGroup(st, "promo", 211)

	tr := newFakeTransport()
	tr.adminErr[211] = errors.New("dial tcp: i/o timeout")
	al := &fakeAlerter{}

	e := newTestEngine(Config{}, st, tr, al, nil)
	rep, err := e.Dispatch(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("report = %+v, want the errored check counted as failed", rep)
	}
	lines := al.all()
	if len(lines) != 1 || !strings.Contains(lines[0], "admin check") {
		t.Fatalf("alerts = %v, want one admin-check failure", lines)
	}
}

func TestAdminCheckCachedWithinTTL(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	g := seedTextGroup(st, "promo", 301)

	mck := clock.NewMock()
	tr := newFakeTransport()
	e := New(Config{PermissionCacheTTL: 10 * time.Minute}, st, tr, nil, logx.Nop(), nil,
		WithClock(mck), WithRand(rand.New(rand.NewSource(1))))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := e.Dispatch(ctx, g.ID); err != nil {
			t.Fatalf("Dispatch #%d: %v", i+1, err)
		}
	}
	if got := tr.adminCount(301); got != 1 {
		t.Fatalf("admin checks = %d, want 1 while cached", got)
	}

	mck.Add(10*time.Minute + time.Second)
	if _, err := e.Dispatch(ctx, g.ID); err != nil {
		t.Fatalf("Dispatch after expiry: %v", err)
	}
	if got := tr.adminCount(301); got != 2 {
		t.Fatalf("admin checks = %d, want re-check after TTL", got)
	}
}

func TestAdminCheckNegativeNeverCached(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	g := seedTextGroup(st, "promo", 302)

	tr := newFakeTransport()
	tr.notAdmin[302] = true
	e := newTestEngine(Config{PermissionCacheTTL: 10 * time.Minute}, st, tr, nil, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := e.Dispatch(ctx, g.ID); err != nil {
			t.Fatalf("Dispatch #%d: %v", i+1, err)
		}
	}
	if got := tr.adminCount(302); got != 2 {
		t.Fatalf("admin checks = %d, want every batch to re-check a negative", got)
	}
}

func TestDispatchMediaSuppressedByRepository(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	g := st.AddContentGroup(domain.ContentGroup{
		Slug:  "gallery",
		Media: []domain.MediaItem{{Kind: domain.MediaPhoto, FileRef: "abc", Weight: 1}},
		Texts: []domain.TextItem{{Text: "caption text", Weight: 1}},
	})
	st.AddTarget(domain.DeliveryTarget{ChatID: 401, ContentGroupID: &g.ID, Active: true})
	st.AddMediaRepository(domain.MediaRepositoryLink{ContentGroupID: g.ID, ChatID: -100123, Active: true})

	tr := newFakeTransport()
	e := newTestEngine(Config{}, st, tr, nil, nil)
	rep, err := e.Dispatch(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Sent != 1 {
		t.Fatalf("report = %+v, want one text delivery", rep)
	}
	if len(tr.media) != 0 {
		t.Fatalf("media sent despite repository: %+v", tr.media)
	}
	if got := tr.textsTo(401); len(got) != 1 || got[0].text != "caption text" {
		t.Fatalf("chat 401 got %+v, want the text choice", got)
	}
}

func TestDispatchMediaCarriesCaptionAndSpoiler(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	g := st.AddContentGroup(domain.ContentGroup{
		Slug:         "gallery",
		SpoilerMedia: true,
		Media:        []domain.MediaItem{{Kind: domain.MediaPhoto, FileRef: "abc", Caption: "from media", Weight: 1}},
		Buttons:      []domain.ButtonItem{{Label: "open", URL: "https://example.org", Weight: 1}},
	})
	st.AddTarget(domain.DeliveryTarget{ChatID: 402, ContentGroupID: &g.ID, Active: true})

	tr := newFakeTransport()
	e := newTestEngine(Config{}, st, tr, nil, nil)
	if _, err := e.Dispatch(context.Background(), g.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(tr.media) != 1 {
		t.Fatalf("media deliveries = %+v, want one", tr.media)
	}
	got := tr.media[0]
	if got.caption != "from media" {
		t.Fatalf("caption = %q, want the media's own", got.caption)
	}
	if !got.opt.Spoiler {
		t.Fatal("spoiler flag not carried")
	}
	if len(got.opt.Buttons) != 1 || got.opt.Buttons[0].Label != "open" {
		t.Fatalf("buttons = %+v, want the group set", got.opt.Buttons)
	}
}

func TestDispatchButtonsOnlyUsesPrompt(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	g := st.AddContentGroup(domain.ContentGroup{
		Slug: "links",
		Buttons: []domain.ButtonItem{
			{ID: 11, Label: "second", URL: "https://example.org/b", Weight: 2},
			{ID: 12, Label: "first", URL: "https://example.org/a", Weight: 1},
		},
	})
	st.AddTarget(domain.DeliveryTarget{ChatID: 403, ContentGroupID: &g.ID, Active: true})

	tr := newFakeTransport()
	e := newTestEngine(Config{}, st, tr, nil, nil)
	rep, err := e.DispatchSlug(context.Background(), "links")
	if err != nil {
		t.Fatalf("DispatchSlug: %v", err)
	}
	if rep.Sent != 1 {
		t.Fatalf("report = %+v, want one delivery", rep)
	}
	got := tr.textsTo(403)
	if len(got) != 1 || got[0].text != DefaultPromptText {
		t.Fatalf("chat 403 got %+v, want the prompt line", got)
	}
	if len(got[0].opt.Buttons) != 2 || got[0].opt.Buttons[0].Label != "first" {
		t.Fatalf("buttons = %+v, want weight order", got[0].opt.Buttons)
	}
}

func TestDispatchEmptyGroupContactsNobody(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	g := st.AddContentGroup(domain.ContentGroup{Slug: "empty"})
	st.AddTarget(domain.DeliveryTarget{ChatID: 404, ContentGroupID: &g.ID, Active: true})
	st.AddTarget(domain.DeliveryTarget{ChatID: 405, ContentGroupID: &g.ID, Active: true})

	tr := newFakeTransport()
	e := newTestEngine(Config{}, st, tr, nil, nil)
	rep, err := e.Dispatch(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Targets != 2 || rep.Skipped != 2 || rep.Sent != 0 {
		t.Fatalf("report = %+v, want all targets skipped", rep)
	}
	if len(tr.texts) != 0 || len(tr.media) != 0 {
		t.Fatal("empty payload still produced deliveries")
	}
	if got := tr.adminCount(404) + tr.adminCount(405); got != 0 {
		t.Fatalf("admin checks = %d, want none for an empty payload", got)
	}
}

func TestDispatchUnsupportedMediaSkipsWithoutAlert(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	g := st.AddContentGroup(domain.ContentGroup{
		Slug:  "weird",
		Media: []domain.MediaItem{{Kind: domain.MediaKind("sticker"), FileRef: "abc", Weight: 1}},
	})
	st.AddTarget(domain.DeliveryTarget{ChatID: 406, ContentGroupID: &g.ID, Active: true})

	tr := newFakeTransport()
	tr.sendErr[406] = fmt.Errorf("%w: sticker", transport.ErrUnsupportedMedia)
	al := &fakeAlerter{}

	e := newTestEngine(Config{}, st, tr, al, nil)
	rep, err := e.Dispatch(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Skipped != 1 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want a silent skip", rep)
	}
	if lines := al.all(); len(lines) != 0 {
		t.Fatalf("alerts = %v, want none", lines)
	}
}

func TestDispatchSlugNotFound(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	e := newTestEngine(Config{}, st, newFakeTransport(), nil, nil)
	if _, err := e.DispatchSlug(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want storage.ErrNotFound", err)
	}
}

func TestDispatchHonorsConcurrencyCap(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	chats := make([]int64, 8)
	for i := range chats {
		chats[i] = int64(500 + i)
	}
	g := seedTextGroup(st, "bulk", chats...)

	tr := newFakeTransport()
	tr.delay = 5 * time.Millisecond

	e := newTestEngine(Config{MaxConcurrency: 2}, st, tr, nil, nil)
	rep, err := e.Dispatch(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Sent != len(chats) {
		t.Fatalf("report = %+v, want all delivered", rep)
	}
	tr.mu.Lock()
	peak := tr.maxSeen
	tr.mu.Unlock()
	if peak > 2 {
		t.Fatalf("peak in-flight deliveries = %d, want <= 2", peak)
	}
}
