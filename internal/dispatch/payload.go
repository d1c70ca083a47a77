package dispatch

import (
	"math/rand"
	"sort"

	"heraldbot/internal/domain"
	"heraldbot/internal/pick"
)

// Compose assembles the payload for one batch. Media and text are
// independent single draws honoring the group's random flags; suppressMedia
// (set when the group has a media repository attached) forces the media
// slot empty regardless of policy. Buttons are never drawn: the full set
// rides along, ordered by weight then id.
func Compose(rng *rand.Rand, g domain.ContentGroup, suppressMedia bool) domain.Payload {
	var p domain.Payload

	if !suppressMedia && len(g.Media) > 0 {
		var (
			m  domain.MediaItem
			ok bool
		)
		if g.RandomMedia {
			m, ok = pick.Weighted(rng, g.Media, func(it domain.MediaItem) int { return it.Weight })
		} else {
			m, ok = pick.First(g.Media)
		}
		if ok {
			p.Media = &m
		}
	}

	if len(g.Texts) > 0 {
		var (
			t  domain.TextItem
			ok bool
		)
		if g.RandomText {
			t, ok = pick.Weighted(rng, g.Texts, func(it domain.TextItem) int { return it.Weight })
		} else {
			t, ok = pick.First(g.Texts)
		}
		if ok {
			p.Text = &t
		}
	}

	p.Buttons = SortButtons(g.Buttons)
	p.Spoiler = g.SpoilerMedia || (p.Media != nil && p.Media.Spoiler)
	return p
}

// SortButtons returns a copy ordered by weight ascending, id ascending.
// Stored order carries no meaning; this is the one display order.
func SortButtons(in []domain.ButtonItem) []domain.ButtonItem {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.ButtonItem, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight < out[j].Weight
		}
		return out[i].ID < out[j].ID
	})
	return out
}
