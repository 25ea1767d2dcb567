package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

var ErrMalformedEvent = errors.New("malformed event")

func NewRoomTag() string {
	return RoomTagPrefix + uuid.NewString()
}

func IsEphemeral(kind int) bool {
	return kind >= EphemeralMin && kind <= EphemeralMax
}

// Template builds an unsigned event for content, tagged with the room tag.
func Template(roomTag string, content Content) (nostr.Event, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to marshal content: %w", err)
	}

	tags := nostr.Tags{{RoomTagName, roomTag}}
	if content.Kind() == KindRoom {
		tags = append(tags, nostr.Tag{AddressTagKey, roomTag})
	}

	//nolint:exhaustruct
	return nostr.Event{
		Kind:    content.Kind(),
		Tags:    tags,
		Content: string(raw),
	}, nil
}

// RoomFilter selects every content kind for one room.
func RoomFilter(roomTag string, kinds ...int) nostr.Filter {
	if len(kinds) == 0 {
		kinds = ContentKinds
	}

	//nolint:exhaustruct
	return nostr.Filter{
		Kinds: kinds,
		Tags:  nostr.TagMap{RoomTagName: []string{roomTag}},
	}
}

func RoomTagOf(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == RoomTagName {
			return tag[1]
		}
	}

	return ""
}

// Decode parses the content of ev into its variant. Unknown JSON fields are
// ignored; unknown kinds and unparseable payloads are ErrMalformedEvent.
func Decode(ev *nostr.Event) (Content, error) {
	var (
		content Content
		err     error
	)

	switch ev.Kind {
	case KindRoom:
		content, err = decodeAs[RoomEventContent](ev.Content)
	case KindJoin:
		content, err = decodeAs[JoinEventContent](ev.Content)
	case KindState:
		content, err = decodeAs[StateEventContent](ev.Content)
	case KindGameOver:
		content, err = decodeAs[GameOverEventContent](ev.Content)
	case KindRematch:
		var rematch RematchEventContent

		rematch, err = decodeAs[RematchEventContent](ev.Content)
		if err == nil {
			switch rematch.Type {
			case RematchPropose, RematchAccept, RematchDecline:
			default:
				err = fmt.Errorf("unknown rematch type %q", rematch.Type)
			}
		}

		content = rematch
	case KindHeartbeat:
		content, err = decodeAs[HeartbeatEventContent](ev.Content)
	case KindBattle:
		content, err = decodeAs[BattleEventContent](ev.Content)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedEvent, ev.Kind)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: kind %d: %w", ErrMalformedEvent, ev.Kind, err)
	}

	return content, nil
}

func decodeAs[T any](raw string) (T, error) {
	var v T

	err := json.Unmarshal([]byte(raw), &v)
	if err != nil {
		return v, fmt.Errorf("failed to unmarshal content: %w", err)
	}

	return v, nil
}

// Less orders events by declared timestamp with the id as tie-break.
func Less(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}

	return a.ID < b.ID
}
