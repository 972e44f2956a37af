package domain

import "time"

// Modality classifies a piece of inbound content.
type Modality string

const (
	ModalityText     Modality = "text"
	ModalityImage    Modality = "image"
	ModalityAudio    Modality = "audio"
	ModalityVideo    Modality = "video"
	ModalitySticker  Modality = "sticker"
	ModalityDocument Modality = "document"
)

// Modalities lists every modality in bundle order.
var Modalities = []Modality{
	ModalityText, ModalityImage, ModalityAudio, ModalityVideo, ModalitySticker, ModalityDocument,
}

// MediaRef points at a media payload held by the transport. Data is only
// populated when the payload was delivered inline.
type MediaRef struct {
	ID       string  `json:"id,omitempty"`
	MimeType string  `json:"mimeType,omitempty"`
	URL      string  `json:"url,omitempty"`
	Path     string  `json:"path,omitempty"`
	FileName string  `json:"fileName,omitempty"`
	Size     int64   `json:"size,omitempty"`
	Caption  string  `json:"caption,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Data     []byte  `json:"data,omitempty"`
}

// Content is the payload of a Fragment: TextContent or MediaContent.
type Content interface {
	isContent()
}

type TextContent struct {
	Body string
}

type MediaContent struct {
	Kind Modality
	Ref  MediaRef
}

func (TextContent) isContent()  {}
func (MediaContent) isContent() {}

// Fragment is one inbound unit. A nil Content carries no modality and adds
// nothing to a bundle.
type Fragment struct {
	SessionID  string
	Key        ConversationKey
	Content    Content
	ReceivedAt time.Time
}

// Bundle is the ordered, per-modality grouping of one quiet period's fragments.
type Bundle struct {
	SessionID string          `json:"sessionId,omitempty"`
	Key       ConversationKey `json:"key"`
	Texts     []string        `json:"texts,omitempty"`
	Images    []MediaRef      `json:"images,omitempty"`
	Audios    []MediaRef      `json:"audios,omitempty"`
	Videos    []MediaRef      `json:"videos,omitempty"`
	Stickers  []MediaRef      `json:"stickers,omitempty"`
	Documents []MediaRef      `json:"documents,omitempty"`
}

// Add appends c to the matching modality list. Unknown media kinds are
// dropped.
func (b *Bundle) Add(c Content) {
	switch v := c.(type) {
	case TextContent:
		b.Texts = append(b.Texts, v.Body)
	case MediaContent:
		switch v.Kind {
		case ModalityImage:
			b.Images = append(b.Images, v.Ref)
		case ModalityAudio:
			b.Audios = append(b.Audios, v.Ref)
		case ModalityVideo:
			b.Videos = append(b.Videos, v.Ref)
		case ModalitySticker:
			b.Stickers = append(b.Stickers, v.Ref)
		case ModalityDocument:
			b.Documents = append(b.Documents, v.Ref)
		}
	}
}

// Media returns the media list for a non-text modality.
func (b *Bundle) Media(m Modality) []MediaRef {
	switch m {
	case ModalityImage:
		return b.Images
	case ModalityAudio:
		return b.Audios
	case ModalityVideo:
		return b.Videos
	case ModalitySticker:
		return b.Stickers
	case ModalityDocument:
		return b.Documents
	}
	return nil
}

// Has reports whether the bundle holds anything for m.
func (b *Bundle) Has(m Modality) bool {
	if m == ModalityText {
		return len(b.Texts) > 0
	}
	return len(b.Media(m)) > 0
}

// Empty reports whether no modality has any item.
func (b *Bundle) Empty() bool {
	for _, m := range Modalities {
		if b.Has(m) {
			return false
		}
	}
	return true
}

// ModalityResult is the outcome of analysing one modality.
type ModalityResult struct {
	Processed bool   `json:"processed"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HistoryEntry is one completed exchange. Entries are never mutated.
type HistoryEntry struct {
	PriorContext    string                      `json:"priorContext,omitempty"`
	UserMessages    []string                    `json:"userMessages"`
	ModalityResults map[Modality]ModalityResult `json:"modalityResults,omitempty"`
	AssistantReply  string                      `json:"assistantReply"`
	Timestamp       time.Time                   `json:"timestamp"`
}

// InboundMessage is a chat message as delivered by a transport.
type InboundMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId,omitempty"`
	IsGroup   bool      `json:"isGroup"`
	FromMe    bool      `json:"fromMe,omitempty"`
	Text      string    `json:"text,omitempty"`
	MediaKind Modality  `json:"mediaKind,omitempty"`
	Media     *MediaRef `json:"media,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
