package dispatch

import "fmt"

// methodSpec maps a content kind onto the Bot API.
//
// caption=false kinds have no caption field in the API; their text is
// suppressed from the primary request and sent as a follow-up reply.
type methodSpec struct {
	method  string
	field   string // media payload field, "" for plain text
	caption bool
}

// One exhaustive mapping; an unmapped kind is a configuration error, never
// a silent default.
var methodByContent = map[ContentType]methodSpec{
	ContentText:      {method: "sendMessage"},
	ContentPhoto:     {method: "sendPhoto", field: "photo", caption: true},
	ContentVideo:     {method: "sendVideo", field: "video", caption: true},
	ContentAudio:     {method: "sendAudio", field: "audio", caption: true},
	ContentFile:      {method: "sendDocument", field: "document", caption: true},
	ContentAnimation: {method: "sendAnimation", field: "animation", caption: true},
	ContentSticker:   {method: "sendSticker", field: "sticker"},
	ContentVoice:     {method: "sendVoice", field: "voice"},
	ContentVideoNote: {method: "sendVideoNote", field: "video_note"},
}

func methodFor(ct ContentType) (methodSpec, error) {
	if ct == "" {
		return methodByContent[ContentText], nil
	}
	spec, ok := methodByContent[ct]
	if !ok {
		return methodSpec{}, fmt.Errorf("unmapped content type %q", ct)
	}
	return spec, nil
}
