package domain

// Payload is one composed broadcast bundle: at most one media item, at most
// one text item, and the full ordered button set. An all-nil payload is
// legal and simply sends nothing.
type Payload struct {
	Media   *MediaItem
	Text    *TextItem
	Buttons []ButtonItem
	// Spoiler carries the content group's spoiler flag; applied only where
	// the media kind supports it.
	Spoiler bool
}

// Empty reports whether the payload carries nothing at all.
func (p Payload) Empty() bool {
	return p.Media == nil && p.Text == nil && len(p.Buttons) == 0
}

// Caption resolves the media caption: the text choice wins, then the media
// item's own caption, then empty.
func (p Payload) Caption() string {
	if p.Text != nil && p.Text.Text != "" {
		return p.Text.Text
	}
	if p.Media != nil {
		return p.Media.Caption
	}
	return ""
}
