// Package media names and identifies the media a visitor sends back to the
// owner. Replies are stored as
//
//	.../visitor-audio-<id>.<ext>
//	.../visitor-video-<id>.<ext>
//
// and every send carries a "v" query parameter so two sends of the same
// object still produce distinct session values.
package media

import (
	"errors"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindVideo   Kind = "video"
	KindUnknown Kind = "unknown"
)

const (
	audioPrefix = "visitor-audio-"
	videoPrefix = "visitor-video-"

	// DiscriminatorParam is the query parameter that makes each send unique.
	DiscriminatorParam = "v"
)

var ErrInvalidURL = errors.New("media: invalid url")

var extKinds = map[string]Kind{
	".m4a":  KindAudio,
	".mp3":  KindAudio,
	".aac":  KindAudio,
	".wav":  KindAudio,
	".ogg":  KindAudio,
	".opus": KindAudio,
	".mp4":  KindVideo,
	".mov":  KindVideo,
	".webm": KindVideo,
	".mkv":  KindVideo,
}

// KindOf classifies a reply URL by its file-name prefix, falling back to the
// extension.
func KindOf(raw string) Kind {
	u, err := url.Parse(raw)
	if err != nil {
		return KindUnknown
	}
	base := strings.ToLower(path.Base(u.Path))
	switch {
	case strings.HasPrefix(base, audioPrefix):
		return KindAudio
	case strings.HasPrefix(base, videoPrefix):
		return KindVideo
	}
	if k, ok := extKinds[path.Ext(base)]; ok {
		return k
	}
	return KindUnknown
}

// WithDiscriminator returns raw with the send discriminator set to at.
func WithDiscriminator(raw string, at time.Time) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Path == "" && u.Host == "") {
		return "", ErrInvalidURL
	}
	q := u.Query()
	q.Set(DiscriminatorParam, strconv.FormatInt(at.UnixNano(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DeliveryID returns the identity of the media object behind raw. Query string
// and fragment never take part, so the same object sent twice maps to one id.
func DeliveryID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	base := path.Base(u.Path)
	lower := strings.ToLower(base)
	for _, prefix := range []string{audioPrefix, videoPrefix} {
		if strings.HasPrefix(lower, prefix) {
			id := base[len(prefix):]
			id = strings.TrimSuffix(id, path.Ext(id))
			if id != "" {
				return id
			}
		}
	}
	return strings.ToLower(u.Host + u.Path)
}
